package main

import "fmt"

// Modes select prompt decoration only; they have no effect on gameplay.
const (
	modeFunny = "funny"
	modeRisky = "risky"
)

// Both pools always come out at this length, for any mode.
const promptPoolSize = 350

// Prompts holds the two immutable pools generated for a room at creation.
type Prompts struct {
	Truths []string
	Dares  []string
}

var truthTemplates = []string{
	"What's the most embarrassing song on your playlist right now?",
	"What's a secret talent you've never shown anyone here?",
	"Who was your first crush, and how badly did it go?",
	"What's the worst excuse you've ever used to cancel plans?",
	"What's something you pretend to understand but absolutely don't?",
	"What's the longest you've gone without washing something you should have?",
	"Have you ever blamed someone else for something you did? Spill it.",
	"What's the weirdest thing you've eaten just to be polite?",
	"What's a text you regret sending the second you hit send?",
	"What's the pettiest grudge you're still holding?",
}

var dareTemplates = []string{
	"Narrate your next three moves like a nature documentary.",
	"Sing everything you say until your next turn.",
	"Do your most dramatic slow-motion walk across the room.",
	"Let the group pick a new contact name for someone in your phone.",
	"Talk to your own reflection like it owes you money, for 30 seconds.",
	"Do 15 jumping jacks while reciting the alphabet backwards.",
	"Impersonate another player until someone guesses who it is.",
	"Balance something on your head until your next turn.",
	"Give a heartfelt toast to the nearest inanimate object.",
	"Speak only in rhymes for the next two minutes.",
}

var adjectives = []string{
	"awkward", "sneaky", "ridiculous", "brutal", "tiny", "embarrassing",
	"wild", "weird", "hilarious", "sweaty", "spicy", "cheeky",
}

var actions = []string{
	"hum your favorite song with your nose pinched",
	"do 10 push-ups while naming breakfast foods",
	"declare your love to a piece of furniture",
	"walk an invisible tightrope across the room",
	"balance a spoon on your nose for 20 seconds",
	"speak only in questions for 30 seconds",
	"applaud yourself loudly for no reason",
	"strike a superhero pose and hold it",
}

var spins = []string{
	"in front of the group",
	"but whisper it like a scandal",
	"with full dramatic gestures",
	"while hopping on one foot",
	"in a slow-motion voiceover",
	"while blinking dramatically",
}

// generatePrompts builds the two prompt pools for a room. Pure and
// deterministic for a given mode; an unrecognized mode decorates as funny.
func generatePrompts(mode string) Prompts {
	decoration := modeFunny
	if mode == modeRisky {
		decoration = modeRisky
	}

	truths := make([]string, 0, promptPoolSize)
	dares := make([]string, 0, promptPoolSize)

	for i := 0; i < promptPoolSize; i++ {
		truths = append(truths, fmt.Sprintf("%s (%s %s edition #%d)",
			truthTemplates[i%len(truthTemplates)],
			adjectives[i%len(adjectives)],
			decoration,
			i+1,
		))

		dares = append(dares, fmt.Sprintf("%s — or (%s) %s %s (round %d)",
			dareTemplates[i%len(dareTemplates)],
			decoration,
			actions[i%len(actions)],
			spins[i%len(spins)],
			i+1,
		))
	}

	return Prompts{Truths: truths, Dares: dares}
}
