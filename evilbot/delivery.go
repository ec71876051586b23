package evilbot

import (
	"strings"
	"unicode"

	"github.com/bwmarrin/discordgo"
)

// splitMessage splits text into chunks of at most maxLength runes. Each cut
// is made after the last period in the window, or failing that after the
// last space, or else at exactly maxLength. Whitespace following a cut is
// dropped.
func splitMessage(text string, maxLength int) []string {
	if maxLength < 1 {
		maxLength = DefaultMaxMessageLength
	}
	remaining := []rune(text)
	if len(remaining) <= maxLength {
		return []string{text}
	}

	var chunks []string
	for len(remaining) > 0 {
		if len(remaining) <= maxLength {
			chunks = append(chunks, string(remaining))
			break
		}
		window := remaining[:maxLength]
		cut := lastRuneIndex(window, '.')
		if cut < 0 {
			cut = lastRuneIndex(window, ' ')
		}
		if cut < 0 {
			cut = maxLength - 1
		}
		chunks = append(chunks, string(remaining[:cut+1]))
		remaining = trimLeftSpace(remaining[cut+1:])
	}
	return chunks
}

func lastRuneIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

func trimLeftSpace(runes []rune) []rune {
	for len(runes) > 0 && unicode.IsSpace(runes[0]) {
		runes = runes[1:]
	}
	return runes
}

// deliver sends text to the channel m was posted in. The first chunk is a
// reply to m, and the rest follow as plain messages, in order. It stops at
// the first send error, returning the number of chunks sent.
func deliver(
	session DiscordSessionHandler,
	m *discordgo.Message,
	text string,
	maxLength int,
) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyCompletion
	}
	sent := 0
	for i, chunk := range splitMessage(text, maxLength) {
		var err error
		if i == 0 {
			_, err = session.ChannelMessageSendReply(m.ChannelID, chunk, m.Reference())
		} else {
			_, err = session.ChannelMessageSend(m.ChannelID, chunk)
		}
		if err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
