package catalog

import "testing"

func TestBuildCompilesSchemasAndLookupIsExact(t *testing.T) {
	c, err := Build([]DiscoveredPlugin{{Name: "echo-plugin", Manifest: echoManifest()}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 tool, got %d", c.Len())
	}
	if _, ok := c.Lookup("echo"); !ok {
		t.Fatalf("expected exact lookup to find echo")
	}
	if _, ok := c.Lookup("ech"); ok {
		t.Fatalf("expected prefix match to fail, got a hit")
	}
}

func TestBuildSkipsPluginsWithDiscoveryError(t *testing.T) {
	c, err := Build([]DiscoveredPlugin{{Name: "broken", Error: "bad manifest"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected broken plugin's tools to be skipped")
	}
}

func TestBuildRejectsToolNameCollisionAcrossPlugins(t *testing.T) {
	m1 := echoManifest()
	m2 := echoManifest()
	_, err := Build([]DiscoveredPlugin{
		{Name: "plugin-one", Manifest: m1},
		{Name: "plugin-two", Manifest: m2},
	})
	if err == nil {
		t.Fatalf("expected collision error for duplicate tool name across plugins")
	}
}

func TestValidateArgumentsRejectsAdditionalProperties(t *testing.T) {
	c, err := Build([]DiscoveredPlugin{{Name: "echo-plugin", Manifest: echoManifest()}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	entry, _ := c.Lookup("echo")

	if _, ok := entry.ValidateArguments([]byte(`{"text":"hi"}`)); !ok {
		t.Fatalf("expected valid arguments to pass")
	}
	if _, ok := entry.ValidateArguments([]byte(`{"text":"hi","extra":1}`)); ok {
		t.Fatalf("expected additional property to fail validation")
	}
}
