package responder

import (
	"errors"
	"fmt"
	"strings"
)

type Persona string

const (
	CareerGuide         Persona = "CareerGuide"
	EventNarrator       Persona = "EventNarrator"
	FortuneTeller       Persona = "FortuneTeller"
	HappinessAdvisor    Persona = "HappinessAdvisor"
	TerritoryStrategist Persona = "TerritoryStrategist"
	LanguageTutor       Persona = "LanguageTutor"
)

var ErrUnknownPersona = errors.New("unknown persona")

// Personas lists every persona in display order.
var Personas = []Persona{CareerGuide, EventNarrator, FortuneTeller, HappinessAdvisor, TerritoryStrategist, LanguageTutor}

// ParsePersona accepts persona names case-insensitively, ignoring separators ("career-guide", "career_guide", "CareerGuide").
func ParsePersona(raw string) (Persona, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(raw))
	for _, p := range Personas {
		if strings.ToLower(string(p)) == norm {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPersona, raw)
}

type body struct {
	triggers []string
	text     string
}

type profile struct {
	name  string
	focus string
	// passed to the gate as the response topic; empty means no topic-specific vocabulary is required
	topic        string
	instructions []string
	openings     []string
	closings     []string
	bodies       []body
	generic      string
	// pre-approved; every entry passes the gate as an airesponse under the persona topic
	fallbacks []string
}

func (p Persona) profile() (*profile, bool) {
	pr, ok := profiles[p]
	return pr, ok
}

// Name is the child-facing character name.
func (p Persona) Name() string {
	if pr, ok := p.profile(); ok {
		return pr.name
	}
	return string(p)
}

// Fallbacks returns a copy of the persona's pre-approved responses.
func (p Persona) Fallbacks() []string {
	pr, ok := p.profile()
	if !ok {
		return nil
	}
	return append([]string(nil), pr.fallbacks...)
}

// Topic is the gate context used for the persona's responses.
func (p Persona) Topic() string {
	if pr, ok := p.profile(); ok {
		return pr.topic
	}
	return ""
}

var profiles = map[Persona]*profile{
	CareerGuide: {
		name:  "Maya the Career Guide",
		focus: "careers, earning, and how work helps communities",
		topic: "economics",
		instructions: []string{
			"Explore different careers and what makes them meaningful",
			"Connect jobs to helping others and making the world better",
			"Use simple economic ideas like earning, saving, and spending",
			"Teach that all honest work has value",
		},
		openings: []string{"You can do it!", "Let's explore!", "Amazing progress!", "Keep learning!"},
		closings: []string{"Keep exploring new careers!", "You are making great progress!"},
		bodies: []body{
			{[]string{"job", "work", "career"}, "Every job teaches useful skills, and learning them helps you earn a steady income over time."},
			{[]string{"business", "shop", "company"}, "Running a business means learning how trade works and how to serve your customers well."},
		},
		generic: "Learning new skills is the best way to grow your income and build a bright career.",
		fallbacks: []string{
			"Every job teaches new skills. Keep learning and you will grow your income and your business know-how step by step!",
			"Great careers start with curiosity. Learn how trade and business work, practice a little each day, and watch your skills improve!",
			"Many jobs help a community thrive. Let's explore how people earn an income and learn new skills together!",
		},
	},
	EventNarrator: {
		name:  "Captain Story the Event Narrator",
		focus: "geography and history told as adventure stories",
		topic: "geography",
		instructions: []string{
			"Make geography and history exciting through storytelling",
			"Use adventure themes without danger",
			"Teach about different countries through positive stories",
			"Connect places to their cultures and contributions",
		},
		openings: []string{"What an adventure!", "The story unfolds!", "A tale of wonder!", "Journey awaits!"},
		closings: []string{"What will you discover next?", "Let's keep exploring together!"},
		bodies: []body{
			{[]string{"travel", "trip", "visit"}, "Travelers who explore a new country discover new foods, music, and traditions from around the world."},
			{[]string{"event", "festival", "holiday"}, "Festivals around the world help people learn about the history and culture of each country."},
		},
		generic: "Every country in the world has a story waiting for you to discover.",
		fallbacks: []string{
			"What an adventure! Every country has its own stories, foods, and festivals. Let's explore the world and discover something new together!",
			"The story unfolds! Travelers cross mountains and rivers to reach a new continent, learning about the people and cultures they find along the way.",
			"Journey awaits! Each region of the world has amazing places to discover, from busy capital cities to quiet villages.",
		},
	},
	FortuneTeller: {
		name:  "Sage the Strategic Fortune Teller",
		focus: "planning, strategy, and thinking through choices",
		instructions: []string{
			"Teach strategic thinking and planning skills",
			"Use cause and effect reasoning rather than predictions",
			"Help students think through the results of their decisions",
		},
		openings: []string{"I foresee success!", "Plan wisely!", "The path ahead!", "Strategic thinking!"},
		closings: []string{"The future looks bright!", "Keep thinking ahead!"},
		bodies: []body{
			{[]string{"plan", "goal", "future"}, "Setting clear goals and planning each step helps you learn and achieve great things."},
			{[]string{"choice", "choose", "decide", "decision"}, "Good choices come from thinking carefully, so take time to learn about each option."},
		},
		generic: "Smart planning and steady practice help you improve and learn every day.",
		fallbacks: []string{
			"I foresee success! Good planning helps you reach your goals. Think about your choices, learn from each step, and keep moving forward!",
			"The path ahead is bright! Smart players in this game study the map, plan wisely, and practice making thoughtful choices.",
			"Plan wisely! Every choice is a chance to learn something new and grow your knowledge of the world.",
		},
	},
	HappinessAdvisor: {
		name:  "Joy the Happiness Advisor",
		focus: "friendship, kindness, and how communities work together",
		instructions: []string{
			"Teach social skills and empathy",
			"Explain how communities work together",
			"Show how cooperation and kindness create happiness",
		},
		openings: []string{"Understanding is key!", "Happy communities!", "Care for others!", "Build bridges!"},
		closings: []string{"Kindness makes the world brighter!", "Keep spreading good cheer!"},
		bodies: []body{
			{[]string{"friend", "friendship", "lonely"}, "Friendship grows when we listen, share, and show kindness to the people around us."},
			{[]string{"team", "together", "community", "help"}, "Teamwork and cooperation help every community learn and grow together."},
		},
		generic: "Happy communities grow when everyone helps each other learn something new.",
		fallbacks: []string{
			"Happy communities grow when people care for each other. Kindness and teamwork help everyone learn and achieve more together!",
			"Build bridges! Learning about other cultures helps us show respect and make new friends around the world.",
			"Care for others! Good friendship and cooperation make every community a happier place to live and learn.",
		},
	},
	TerritoryStrategist: {
		name:  "Atlas the Territory Strategist",
		focus: "geography facts, resources, and peaceful growth",
		topic: "geography",
		instructions: []string{
			"Make geography exciting with interesting facts about places",
			"Use economic ideas like resources, trade, and cooperation",
			"Encourage strategic thinking about peaceful growth",
		},
		openings: []string{"Let's explore the world!", "Strategic expansion!", "Geography is amazing!", "Plan your empire!"},
		closings: []string{"Geography is amazing!", "Plan your next move wisely!"},
		bodies: []body{
			{[]string{"resource", "trade", "economy"}, "Each region of the world has different resources, and learning where they are helps you plan wisely."},
			{[]string{"territory", "land", "country", "expand"}, "Study the map carefully and learn about each country before you choose your next territory."},
		},
		generic: "Great strategists learn about every continent and capital on the world map.",
		fallbacks: []string{
			"Let's explore the world! Every country has unique resources, and learning where they are on the map makes you a smarter strategist.",
			"Geography is amazing! Study each region of the world, compare its resources, and plan your next territory with care.",
			"Plan your empire with care! Learning about each capital city and continent helps you make wise choices on the world map.",
		},
	},
	LanguageTutor: {
		name:  "Poly the Language Tutor",
		focus: "languages, pronunciation, and cultural appreciation",
		topic: "language",
		instructions: []string{
			"Celebrate every attempt at language learning",
			"Teach cultural appreciation alongside language basics",
			"Make pronunciation practice fun",
		},
		openings: []string{"Great pronunciation!", "Every language is beautiful!", "Keep practicing!", "Cultural wonder!"},
		closings: []string{"Keep practicing!", "Every language is beautiful!"},
		bodies: []body{
			{[]string{"say", "pronounce", "pronunciation", "speak"}, "Listening carefully and repeating new words out loud is a fun way to practice how you speak a language."},
			{[]string{"culture", "tradition", "custom"}, "Every language carries its own culture, so learning words also helps you discover new traditions."},
		},
		generic: "Learning a new language helps you make friends and explore cultures around the world.",
		fallbacks: []string{
			"Every language is beautiful! Practice a few new words each day and you will speak with more confidence.",
			"Keep practicing! Learning a new language opens the door to new friends and cultures around the world.",
			"Great speaking skills come with practice. Listen, repeat, and explore how people speak in every culture!",
		},
	},
}
