// Package logx configures periodic's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - File sink rate limited for warnings/errors, so a job that throttles on
//     every tick cannot flood the disk
package logx
