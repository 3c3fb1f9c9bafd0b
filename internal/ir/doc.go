// Package ir provides the value and event types shared by every flatline package.
//
// This package contains no I/O. All other internal packages import ir; ir
// imports nothing internal.
//
// Key design constraints:
//   - NO float values - event payload numbers are int64
//   - Null is a real value (Null{}), distinct from an absent field only at
//     decode time; Object.Lookup treats both as "no value"
//   - Canonical JSON (sorted keys, NFC strings, no HTML escaping) is the only
//     encoding used for persisted payloads and fingerprints
//   - All JSON tags use snake_case
package ir
