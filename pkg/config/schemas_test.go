package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Device: {
	id: string
	max_entities: int & <=65535
}
`

	err := sr.RegisterSchema("device", customSchema)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("device")
	if !ok {
		t.Fatal("expected to find device schema")
	}

	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}
}

func TestSchemaRegistry_RegisterInvalid(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("broken", "#X: {"); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, name := range []string{SchemaMenu, SchemaItem} {
		schema, ok := sr.GetSchema(name)
		if !ok {
			t.Errorf("expected built-in schema %s", name)
			continue
		}
		if !schema.Exists() {
			t.Errorf("built-in schema %s is empty", name)
		}
	}

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != SchemaItem || names[1] != SchemaMenu {
		t.Errorf("unexpected schema list %v", names)
	}
}

func TestSchemaRegistry_ValidateMenu(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		layout  *Layout
		wantErr bool
	}{
		{
			name: "valid nested menu",
			layout: &Layout{Items: []MenuItem{
				{Name: "Astrosmash", ROM: "astro.bin", Config: "astro.cfg"},
				{Name: "Sports", Items: []MenuItem{{Name: "Baseball", ROM: "baseball.bin"}}},
			}},
		},
		{
			name:   "empty menu",
			layout: &Layout{},
		},
		{
			name:    "empty name",
			layout:  &Layout{Items: []MenuItem{{Name: "", ROM: "x.bin"}}},
			wantErr: true,
		},
		{
			name:    "name too long",
			layout:  &Layout{Items: []MenuItem{{Name: string(make([]byte, 61)), ROM: "x.bin"}}},
			wantErr: true,
		},
		{
			name:    "nested name with slash",
			layout:  &Layout{Items: []MenuItem{{Name: "Dir", Items: []MenuItem{{Name: "a/b"}}}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateMenu(ctx, tt.layout)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMenu() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema(context.Background(), "missing", map[string]string{}); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}
