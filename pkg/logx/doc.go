// Package logx configures tgcast's structured logging.
//
// It wraps zerolog in a small value-typed Logger so components can carry
// fixed fields (comp, campaign, account) without sharing mutable state:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - Each campaign can get its own JSON log file
//   - WARN and above can optionally be mirrored to a Telegram chat
package logx
