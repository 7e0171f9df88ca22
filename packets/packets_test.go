package packets

import (
	"testing"

	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

func TestRegisterAllHasNoDuplicateKeys(t *testing.T) {
	m := packet.NewMapper()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("RegisterAll panicked (duplicate key?): %v", r)
		}
	}()
	RegisterAll(m)
}

func TestCorePacketsRoundTrip(t *testing.T) {
	m := packet.NewMapper()
	RegisterAll(m)

	app := App{Identifier: identifier.MustNew("test.a", "app"), Version: "1.0"}
	payload, err := Connect.Encode(ConnectPayload{App: app, Token: "tok"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := m.Decode(Connect.Key(), payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(ConnectPayload)
	if !ok {
		t.Fatalf("decoded type = %T", decoded)
	}
	if got.Token != "tok" || got.App.Identifier.Key() != app.Identifier.Key() {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestTablePacketsRoundTrip(t *testing.T) {
	m := packet.NewMapper()
	RegisterAll(m)

	id := identifier.MustNew("test.a", "t")
	payload, err := TableItemAdd.Encode(TableItemsPayload{
		ID:    id,
		Items: []TableItem{{Key: "k1", Value: []byte("v1")}},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := m.Decode(TableItemAdd.Key(), payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := decoded.(TableItemsPayload)
	if len(got.Items) != 1 || got.Items[0].Key != "k1" || string(got.Items[0].Value) != "v1" {
		t.Fatalf("Items = %+v", got.Items)
	}
}
