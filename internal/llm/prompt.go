package llm

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type systemPromptYAML struct {
	Identity     string   `yaml:"identity"`
	StyleRules   []string `yaml:"style_rules"`
	ToolGuidance []string `yaml:"tool_guidance"`
}

var compiledSystemPrompt string

// LoadPrompt reads and compiles the YAML prompt template at startup.
// Call once from main(); exits on failure so bad config surfaces immediately.
func LoadPrompt(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("llm: failed to read system prompt: %v", err)
	}

	var p systemPromptYAML
	if err := yaml.Unmarshal(data, &p); err != nil {
		log.Fatalf("llm: failed to parse system prompt YAML: %v", err)
	}

	rules := make([]string, len(p.StyleRules))
	for i, r := range p.StyleRules {
		rules[i] = fmt.Sprintf("- %s", r)
	}
	guidance := make([]string, len(p.ToolGuidance))
	for i, g := range p.ToolGuidance {
		guidance[i] = fmt.Sprintf("- %s", g)
	}

	compiledSystemPrompt = strings.TrimSpace(fmt.Sprintf(`
%s

Style Rules:
%s

Flight Search:
%s
`,
		p.Identity,
		strings.Join(rules, "\n"),
		strings.Join(guidance, "\n"),
	))

	log.Println("llm: system prompt loaded")
}

// SystemPrompt returns the compiled prompt string.
func SystemPrompt() string {
	return compiledSystemPrompt
}

// SetSystemPromptForTest overrides the compiled prompt. Only call this from tests.
func SetSystemPromptForTest(prompt string) {
	compiledSystemPrompt = prompt
}
