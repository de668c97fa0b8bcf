// Package device provides the Device Record Store for TasFleet Core.
//
// The store owns the authoritative in-memory map of device id -> device
// record and every mutation path into it: the ingest pipeline fed by the
// MQTT bridge, direct operator edits, and hydration from persisted
// snapshots. It also owns the two periodic concerns attached to records —
// dirty-set persistence scheduling and bootstrap polling — plus the
// change-notification fan-out presentation layers subscribe to.
//
// # Architecture
//
//	messages ──▶ Store.Ingest ──▶ tasmota normalisers/resolvers
//	                 │
//	                 ├─▶ record mutation (raw archive, info, rules, ...)
//	                 ├─▶ dirty set ──▶ flush timer ──▶ Repository.Upsert
//	                 │                  (depth-1 per-device write queue)
//	                 ├─▶ poll supervisor ──▶ Commander.Send
//	                 └─▶ change notifier ──▶ subscribers
//
// # Concurrency
//
// All mutation for a device happens synchronously under one store mutex,
// so readers observe a fully-merged record or the previous one, never a
// partial merge, and a later message's merge strictly follows an earlier
// one's. The only asynchronous boundary is the durable-storage write
// path: each device has an in-flight flag and a single pending-snapshot
// slot, so bursts of rapid mutation collapse to one "latest" write per
// device instead of an unbounded backlog.
//
// # Usage
//
//	repo, _ := device.NewBoltRepository("data/tasfleet.db")
//	store := device.NewStore(repo, device.Options{})
//	store.SetLogger(log)
//	store.SetCommander(bridge)
//	store.Start()
//	defer store.Stop()
//
//	snaps, _ := repo.FetchAll()
//	store.Hydrate(snaps)
//
//	store.Ingest("sonoff-kitchen", tasmota.ScopeTele, "STATE", payload, "main")
package device
