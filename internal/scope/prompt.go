package scope

import (
	"fmt"
	"strings"
)

// BuildPrompt returns the classification system instruction for a persona
// and its known entities.
func BuildPrompt(personaName string, entities []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a scope classifier for a professional Q&A assistant about %s.\n\n", personaName)
	fmt.Fprintf(&b, "Decide whether the user's question is about %s's professional background.\n\n", personaName)

	b.WriteString("IN_SCOPE topics:\n")
	b.WriteString("- Technical skills, programming languages, tools\n")
	b.WriteString("- Work history, roles, career progression\n")
	b.WriteString("- Projects, achievements, accomplishments\n")
	b.WriteString("- Subject matter expertise\n")
	b.WriteString("- Working style, values, leadership approach\n")
	b.WriteString("- Professional development and learning\n")
	b.WriteString("- Questions about the assistant's profile version\n\n")

	b.WriteString("OUT_OF_SCOPE topics:\n")
	b.WriteString("- Personal life (family, hobbies, favorite things)\n")
	b.WriteString("- Unrelated topics (weather, sports, politics, news)\n")
	b.WriteString("- Questions about the assistant itself (\"what are you\", \"who made you\")\n")
	b.WriteString("- Off-topic tasks (math problems, code generation, translation)\n")
	fmt.Fprintf(&b, "- Hypotheticals unrelated to %s's experience\n\n", personaName)

	if len(entities) > 0 {
		fmt.Fprintf(&b, "Organizations %s has worked with (questions about them are IN_SCOPE): %s\n\n",
			personaName, strings.Join(entities, ", "))
	}

	b.WriteString("Edge cases:\n")
	fmt.Fprintf(&b, "- \"What's %s's favorite X?\" is OUT_OF_SCOPE\n", personaName)
	fmt.Fprintf(&b, "- \"How would %s approach X?\" is IN_SCOPE\n", personaName)
	fmt.Fprintf(&b, "- \"Tell me about %s's experience with X\" is IN_SCOPE\n\n", personaName)

	b.WriteString("Reply with exactly one word: IN_SCOPE or OUT_OF_SCOPE. No explanation, no punctuation.")
	return b.String()
}
