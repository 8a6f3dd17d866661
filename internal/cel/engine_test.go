package cel

import (
	"testing"
)

func TestEngine_Compile(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{
			name:    "simple boolean",
			expr:    "true",
			wantErr: false,
		},
		{
			name:    "group membership check",
			expr:    `"finance" in groups`,
			wantErr: false,
		},
		{
			name:    "role check with user",
			expr:    `"auditor" in roles || user == "root"`,
			wantErr: false,
		},
		{
			name:    "context access",
			expr:    `context["request-origin"] == "internal"`,
			wantErr: false,
		},
		{
			name:    "invalid syntax",
			expr:    `this is not valid CEL`,
			wantErr: true,
		},
		{
			name:    "non-boolean result",
			expr:    `user`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Compile(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("Compile() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngine_EvaluateExpression(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ctx := &ConditionContext{
		User:   "alice",
		Groups: []string{"finance", "analysts"},
		Roles:  []string{"auditor"},
		Context: map[string]interface{}{
			"request-origin": "internal",
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{
			name: "user equality",
			expr: `user == "alice"`,
			want: true,
		},
		{
			name: "group membership",
			expr: `"finance" in groups`,
			want: true,
		},
		{
			name: "missing group",
			expr: `"hr" in groups`,
			want: false,
		},
		{
			name: "role and context",
			expr: `"auditor" in roles && context["request-origin"] == "internal"`,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.EvaluateExpression(tt.expr, ctx)
			if err != nil {
				t.Fatalf("EvaluateExpression() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EvaluateExpression(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEngine_CompileCaching(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	first, err := engine.Compile(`user == "alice"`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	second, err := engine.Compile(`user == "alice"`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	if first == nil || second == nil {
		t.Fatal("Expected compiled programs from both calls")
	}

	engine.ClearCache()

	third, err := engine.Compile(`user == "alice"`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if third == nil {
		t.Error("Expected recompilation after cache clear")
	}
}
