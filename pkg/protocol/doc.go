// Package protocol implements the packet layer of the NT session protocol.
//
// # Outbound packets
//
// Every request is a "uni" packet. BuildUni produces the complete frame:
//
//	u32 frame length (inclusive)
//	u32 service type (12)
//	u8  encryption flag: 1 = d2Key, 2 = zero key (no d2 ticket yet)
//	u32-prefixed d2 ticket
//	u8  0
//	u32-prefixed decimal uin
//	legacy cipher( u32-prefixed SSO header || u32-prefixed body )
//
// The SSO header carries the sequence, sub app id, locale id, the tgt
// ticket, the command name, the device guid, the app version and a tag tree
// holding the trace id (15), the uid (16) and the optional signature block
// (24). All u32 length prefixes count themselves.
//
// # Inbound packets
//
// OpenService reads the encryption flag at offset 4, skips the uin and
// decrypts the rest: 0 means clear text, 1 means the d2Key, 2 means the zero
// key. Any other flag is rejected. ParseSSO then reads:
//
//	u32 header length
//	i32 sequence
//	i32 return code (non-zero is an error)
//	u32-prefixed message
//	u32-prefixed command
//	u32-prefixed session id
//	i32 compression flag: 0 raw, 1 zlib, 8 raw without a length prefix
//
// # Legacy login
//
// wtlogin packets (QR fetch, QR poll, QR login) are encrypted with the share
// key of the legacy key agreement and carried inside a uni packet. The
// code2d helpers wrap the trans_emp commands.
//
// # Sequence numbers
//
// Sequence starts at a random value below 0x1000 and wraps from 0x7fff back
// to 1. It is safe for concurrent callers.
package protocol
