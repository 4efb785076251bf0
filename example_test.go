package substrate_test

import (
	"context"
	"fmt"

	substrate "github.com/agentsubstrate/substrate"
)

// Example shows the implicit-transaction façade: open an ephemeral
// engine, write a key, read it back.
func Example() {
	eng, err := substrate.OpenEphemeral()
	if err != nil {
		panic(err)
	}
	defer eng.Shutdown(context.Background())

	if err := eng.KVPut(substrate.DefaultRunID, "greeting", substrate.String("hello")); err != nil {
		panic(err)
	}
	vv, err := eng.KVGet(substrate.DefaultRunID, "greeting")
	if err != nil {
		panic(err)
	}
	fmt.Println(vv.Value.Str, vv.Version)
	// Output: hello 1
}

// ExampleEngine_Transaction commits work across several primitives
// atomically: either every write below lands, or none do.
func ExampleEngine_Transaction() {
	eng, err := substrate.OpenEphemeral()
	if err != nil {
		panic(err)
	}
	defer eng.Shutdown(context.Background())

	payload := substrate.NewObject()
	payload.Set("attempt", substrate.Int(1))

	err = eng.Transaction(substrate.DefaultRunID, func(tx *substrate.Tx) error {
		if err := tx.KVPut("task", substrate.String("index-docs")); err != nil {
			return err
		}
		if err := tx.StateInit("task-state", substrate.String("running")); err != nil {
			return err
		}
		_, err := tx.EventAppend("task-log", "started", substrate.ObjectValue(payload))
		return err
	})
	if err != nil {
		panic(err)
	}

	events, _ := eng.EventList(substrate.DefaultRunID, "task-log")
	fmt.Println(len(events), events[0].EventType)
	// Output: 1 started
}

// ExampleEngine_StateTransition retries a read-modify-write until it
// commits cleanly, so concurrent writers never lose updates.
func ExampleEngine_StateTransition() {
	eng, err := substrate.OpenEphemeral()
	if err != nil {
		panic(err)
	}
	defer eng.Shutdown(context.Background())

	if err := eng.StateInit(substrate.DefaultRunID, "counter", substrate.Int(0)); err != nil {
		panic(err)
	}
	for i := 0; i < 3; i++ {
		err := eng.StateTransition(substrate.DefaultRunID, "counter", func(v substrate.Value) (substrate.Value, error) {
			return substrate.Int(v.Int + 1), nil
		})
		if err != nil {
			panic(err)
		}
	}

	vv, _ := eng.StateRead(substrate.DefaultRunID, "counter")
	fmt.Println(vv.Value.Int)
	// Output: 3
}
