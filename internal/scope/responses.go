package scope

import (
	"fmt"
	"math/rand/v2"
)

// Responder produces user-facing refusal and warning text.
type Responder struct {
	refusals []string
	name     string
	pick     func(n int) int
}

// NewResponder builds the refusal pool for a persona.
func NewResponder(personaName string) *Responder {
	p := personaName + "'s"
	return &Responder{
		name: personaName,
		pick: rand.IntN,
		refusals: []string{
			fmt.Sprintf("I'm focused on %s professional background. Ask me about their experience, projects, or technical skills!", p),
			fmt.Sprintf("That's outside my scope, but I can help with questions about %s work history, expertise, or professional values.", p),
			fmt.Sprintf("I only discuss %s professional life. Try asking about their technical background or notable projects!", p),
			fmt.Sprintf("I specialize in %s professional profile. Ask about their technical expertise, work experience, or how they approach problems.", p),
			fmt.Sprintf("Not my area. I'm here for %s career and professional development. What would you like to know about their background?", p),
			fmt.Sprintf("I focus on %s professional side. Happy to discuss their skills, projects, or working style!", p),
			fmt.Sprintf("That's beyond my scope. I can tell you about %s technical experience, leadership approach, or career highlights.", p),
		},
	}
}

// Refusal returns a random refusal from the pool.
func (r *Responder) Refusal() string {
	return r.refusals[r.pick(len(r.refusals))]
}

// Warning returns the escalating message shown once the warning threshold
// has been reached. count is the out-of-scope count after this turn.
func (r *Responder) Warning(count, cutoff int) string {
	remaining := cutoff - count
	switch {
	case remaining <= 0:
		return fmt.Sprintf("That's off-topic again. You've asked %d questions outside %s's professional background, "+
			"so this session is now paused. Send a message with your email address to request a reset.", count, r.name)
	case remaining == 1:
		return fmt.Sprintf("Please keep questions to %s's professional background. "+
			"One more off-topic question will pause this session.", r.name)
	default:
		return fmt.Sprintf("Please keep questions to %s's professional background. "+
			"You've asked %d off-topic questions; %d more will pause this session.", r.name, count, remaining)
	}
}
