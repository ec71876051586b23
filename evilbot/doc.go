// Package evilbot implements a Discord chat bot that answers with a
// locally hosted language model, served by Ollama through its
// OpenAI-compatible API.
//
// In a guild, the bot replies to a message when it mentions a bot, is a
// reply to a bot, contains one of the guild's trigger words, or wins the
// guild's random response roll. Direct messages are always answered. Each
// reply is built from the guild's (or DM user's) persona, the message
// being replied to, and recent channel history.
//
// Key components of the package include:
//
//   - EvilBot: ties the pieces together and manages startup and shutdown.
//   - Discord: the gateway session, typing indicator and permission checks.
//   - Inference: a fixed pool of workers calling the chat completion API,
//     each request bounded by a timeout.
//   - SettingsStore: per-guild personas, trigger words and random response
//     settings, plus per-user DM personas.
//   - API: a read-only status API.
//
// Settings are changed with prefixed text commands (`!set`, `!get`,
// `!default`, `!trigger`, `!random` and `!help` with the default prefix).
// Changing a guild's settings requires the Administrator permission.
package evilbot
