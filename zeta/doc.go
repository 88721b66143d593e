// Package zeta implements Zeta, a general purpose Discord bot driven by
// prefix commands and gateway events.
//
// Key components of the package include:
//
//   - Zeta: the main struct, which owns the configuration, database,
//     Discord session, scheduler and admin API.
//   - LevelCache: the in-memory experience cache. Members earn experience
//     for each message they send, which is periodically flushed to the
//     database.
//   - GuildSettings: per-guild prefix and plugin toggles.
//   - Command/CommandContext: the prefix command router. Handlers receive
//     everything they need through CommandContext rather than reaching
//     into the bot directly.
//   - API: a JSON admin API for inspecting guilds and leaderboards,
//     flushing the experience cache and stopping the bot.
//
// Feature commands cover leveling (level, lb, giveexp, setmultiplier),
// birthdays (setbd, bday, bdchannel, bdalerttime), moderation (mute,
// unmute, lockdown, unlock), reaction role menus, tags, and a few fun
// commands backed by Reddit and PokeAPI.
package zeta
