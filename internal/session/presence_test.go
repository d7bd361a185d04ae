package session

import "testing"

func TestRegistryTransitions(t *testing.T) {
	registry := NewRegistry()

	count, nowNonZero := registry.OnConnect()
	if count != 1 || !nowNonZero {
		t.Fatalf("first connect: got count=%d nonZero=%v", count, nowNonZero)
	}

	count, nowNonZero = registry.OnConnect()
	if count != 2 || nowNonZero {
		t.Fatalf("second connect: got count=%d nonZero=%v", count, nowNonZero)
	}

	count, nowZero := registry.OnDisconnect()
	if count != 1 || nowZero {
		t.Fatalf("first disconnect: got count=%d zero=%v", count, nowZero)
	}

	count, nowZero = registry.OnDisconnect()
	if count != 0 || !nowZero {
		t.Fatalf("last disconnect: got count=%d zero=%v", count, nowZero)
	}
}

func TestRegistryDisconnectBelowZero(t *testing.T) {
	registry := NewRegistry()

	count, nowZero := registry.OnDisconnect()
	if count != 0 || nowZero {
		t.Fatalf("disconnect on empty registry: got count=%d zero=%v", count, nowZero)
	}
	if registry.Count() != 0 {
		t.Fatalf("count must never go negative")
	}
}
