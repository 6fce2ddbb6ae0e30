// Package logx configures newsposter's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured (the file is also what `newsposter logs` follows)
//
// Logging is a side channel. Nothing in the posting path inspects a log write.
package logx
