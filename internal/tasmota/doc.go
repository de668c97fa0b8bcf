// Package tasmota holds the pure protocol knowledge for Tasmota-firmware
// devices: payload decoding, field normalisation, power-channel resolution,
// and rule-state reconciliation.
//
// Everything in this package is a pure function over decoded payloads.
// Nothing here touches the network, the clock, or shared state — the
// stateful engine lives in internal/device and calls into this package
// on every ingested message.
//
// # Why this exists
//
// Tasmota reports the same logical fact through many different message
// shapes, accumulated over years of firmware history:
//
//   - Relay state arrives as tele/STATE {"POWER1":"ON"}, stat/POWER1 "ON",
//     stat/RESULT {"POWER":"ON"}, stat/STATUS11 {"StatusSTS":{"POWER1":...}},
//     and more.
//   - Status payloads nest their real content under wrapper keys
//     (Status, StatusFWR, StatusNET, StatusSTS, Info1, Info2).
//   - Rule containers can be a bare flag ("ON"), bare text, or a
//     structured object with several historical key spellings.
//
// All of that shape tolerance is concentrated here, so the engine's merge
// rules operate on one normalised intermediate form.
//
// # Key entry points
//
//   - DecodePayload: raw bytes -> shallow key/value object, synthesising
//     an object for known bare-scalar message types.
//   - ExtractFields: payload -> typed candidate values (ip, uptime,
//     firmware, signal, name candidates with precedence source).
//   - ResolveChannels: raw-message archive -> sorted distinct channel list.
//   - ReconcileRule: merge a device-reported rule container into existing
//     rule state with echo suppression.
package tasmota
