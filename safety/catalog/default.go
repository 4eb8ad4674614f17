package catalog

const DefaultVersion = "builtin-2025.1"

// Default returns a freshly compiled copy of the built-in catalog.
func Default() *Catalog {
	c := &Catalog{
		Version: DefaultVersion,
		Sets: map[string]*TermSet{
			SetProhibited: {Mode: ModeExact, Terms: []string{
				// violence and conflict
				"violence", "fight", "war", "battle", "attack", "weapon", "gun", "knife", "bomb", "kill", "death", "die", "hurt", "pain", "blood",
				// not for children
				"adult", "mature", "inappropriate", "horrible", "awful", "disgusting",
				// insults
				"hate", "stupid", "dumb", "idiot", "loser",
				// controversial
				"politics", "political", "government conspiracy", "rebellion", "protest", "riot",
			}},
			SetScary: {Mode: ModeExact, Terms: []string{
				"scary", "frightening", "terrifying", "nightmare", "monster", "ghost", "demon",
			}},
			SetNegative: {Mode: ModeExact, Terms: []string{
				"impossible", "never", "can't do", "failure", "worthless", "hopeless", "give up",
			}},
			SetPositive: {Mode: ModePrefix, Terms: []string{
				"great", "awesome", "wonderful", "amazing", "excellent", "fantastic", "good", "super", "brilliant",
				"well done", "keep going", "you can", "let's", "together", "learn", "explor", "discover",
				"excit", "fun", "interesting", "cool", "nice", "beautiful", "magnificent", "marvelous",
				"success", "achiev", "grow", "improv", "progress", "develop", "potential", "opportunit",
				"adventure", "journey", "path", "forward", "future", "hope", "bright", "strong", "skill",
			}},
			SetEducational: {Mode: ModePrefix, Terms: []string{
				// geography
				"country", "countries", "continent", "capital", "geography", "map", "location", "region", "territor", "world",
				// economics
				"economy", "economics", "money", "income", "business", "trade", "resource", "gdp", "economic",
				// language and culture
				"language", "culture", "communication", "pronunciation", "speaking", "cultural", "tradition",
				// learning
				"learn", "education", "knowledge", "skill", "practic", "practis", "improv", "growth", "development",
				// social
				"cooperation", "friendship", "respect", "understanding", "kindness", "helping", "community", "communities", "teamwork",
			}},
			SetFactual: {Mode: ModePrefix, Terms: []string{
				"learn", "study", "studie", "discover", "explor", "understand", "practic", "practis",
				"develop", "grow", "improv", "progress", "achiev",
			}},
			SetAgeConcepts: {Mode: ModePrefix, Terms: []string{
				"learn", "school", "friend", "family", "game", "fun", "explor", "discover",
				"country", "countries", "world", "language", "culture", "job", "career", "money", "help",
			}},
			SetNameFriendly: {Mode: ModePrefix, Terms: []string{
				"student", "learner", "explorer", "young", "little", "kid", "child",
				"world", "star", "bright", "smart", "cool", "awesome", "amazing",
				"geography", "history", "science", "math", "art", "music",
				"leader", "captain", "champion", "hero", "friend", "buddy",
			}},
			SetPIIKeywords: {Mode: ModeExact, Terms: []string{
				"password", "secret", "private", "personal", "address", "phone", "email", "contact", "meet", "alone", "gift", "money",
			}},
			SetTopicKeywords: {Mode: ModePrefix, Terms: []string{
				"country", "countries", "geography", "language", "leader", "economic", "learn",
			}},
		},
		Topics: map[string][]string{
			"geography": {"country", "countries", "continent", "capital", "map", "location", "region", "world"},
			"economics": {"money", "income", "business", "economy", "trade", "gdp", "economic"},
			"language":  {"language", "pronunciation", "speak", "culture", "communication"},
		},
		PIIPatterns: []*Pattern{
			{Category: "street address", Expr: `\b\d+\s+([\w\s]+\s+)?(street|st|avenue|ave|road|rd|drive|dr|lane|ln|way|blvd|boulevard)\b`},
			{Category: "phone number", Expr: `(\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}|\d{10})`},
			{Category: "email address", Expr: `\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`},
		},
	}
	if err := c.Compile(); err != nil {
		// the built-in catalog is static; failing here is a programming error
		panic(err)
	}
	return c
}
