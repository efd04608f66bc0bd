// Package state is a key-value store for state shared between agents.
//
// A coordinator mirrors its shared game state here so that agents and
// observers in other processes can read it or watch it change. Keys are
// dotted paths; patterns may end in * to match a prefix.
//
//	store := state.NewMemoryStore()
//	state.PutJSON(store, "shared.board", board)
//
//	ch, _ := store.Watch("shared.*")
//	for kv := range ch {
//	    fmt.Printf("%s %s\n", kv.Operation, kv.Key)
//	}
//
// NATSStore backs the same interface with a JetStream key-value bucket:
//
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{
//	    Conn:   natsBus.Conn(),
//	    Bucket: "a2a-state",
//	})
package state
