package cloud

import (
	"context"
	"testing"
)

func TestNew_Memory(t *testing.T) {
	t.Cleanup(ResetMemory)

	c, err := New(context.Background(), Config{Type: TypeMemory, Region: "eu-west-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Type != TypeMemory || c.Region != "eu-west-1" {
		t.Errorf("clients = %+v", c)
	}

	m := GetOrCreateMemory("eu-west-1")
	if c.Secrets != m.Secrets || c.IAM != m.IAM || c.Lambda != m.Lambda {
		t.Error("New did not return the registered account")
	}
}

func TestGetOrCreateMemory_SharedUntilReset(t *testing.T) {
	t.Cleanup(ResetMemory)

	a := GetOrCreateMemory("")
	if GetOrCreateMemory("") != a {
		t.Error("second lookup returned a new account")
	}
	if GetOrCreateMemory("us-west-2") == a {
		t.Error("regions share an account")
	}
	ResetMemory()
	if GetOrCreateMemory("") == a {
		t.Error("reset kept the account")
	}
}

func TestNew_UnknownType(t *testing.T) {
	if _, err := New(context.Background(), Config{Type: "gcp"}); err == nil {
		t.Fatal("expected error")
	}
}
