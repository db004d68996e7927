// Package protocol implements the byte-level framing of the Heidenhain TNC
// serial transfer protocols used for DNC (direct numerical control) feeding.
//
// Two transfer modes share the same closed control-byte alphabet:
//
//   - Standard mode streams program lines continuously. The controller
//     signals readiness with DC1 (XON), may pause the sender with DC3 (XOFF),
//     and the sender terminates the program with ETX.
//   - Drip (BCC) mode is controller initiated. The controller sends a header
//     block <SOH> code1 name code2 <ETB> BCC, the sender answers ACK and then
//     sends every line as <STX> line <ETB> BCC, each acknowledged by ACK or
//     rejected by NAK.
//
// # Block check character
//
// The BCC is the XOR of every byte of the block, including the leading SOH or
// STX and the trailing ETB. It has no seed value and is order sensitive only
// through the set of bytes covered.
//
// All functions in this package are pure: no I/O, no state.
package protocol
