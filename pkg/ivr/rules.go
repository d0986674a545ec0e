package ivr

import "regexp"

// Rule scores a transcript against one menu-option pattern. Rules are
// evaluated in order; highest confidence wins and ties keep the earlier
// rule.
type Rule struct {
	Pattern    *regexp.Regexp
	Digit      string
	Confidence float64
}

// RuleConfig is the serializable form of a Rule for config files.
type RuleConfig struct {
	Pattern    string  `mapstructure:"pattern"`
	Digit      string  `mapstructure:"digit"`
	Confidence float64 `mapstructure:"confidence"`
}

// CompileRules turns configured rule entries into matchers, skipping
// entries whose pattern does not compile.
func CompileRules(cfgs []RuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		re, err := regexp.Compile("(?i)" + c.Pattern)
		if err != nil || c.Digit == "" {
			continue
		}
		conf := c.Confidence
		if conf <= 0 {
			conf = 0.5
		}
		rules = append(rules, Rule{Pattern: re, Digit: c.Digit, Confidence: conf})
	}
	return rules
}

// DefaultRules covers the menu options heard on most business attendants.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: regexp.MustCompile(`(?i)\b(operator|representative|agent)\b.{0,30}\bpress (\d)`), Digit: "0", Confidence: 0.95},
		{Pattern: regexp.MustCompile(`(?i)\b(operator|representative|reach a person|speak (to|with) (a|an|someone))\b`), Digit: "0", Confidence: 0.9},
		{Pattern: regexp.MustCompile(`(?i)\bcustomer (service|support)\b`), Digit: "2", Confidence: 0.7},
		{Pattern: regexp.MustCompile(`(?i)\bbilling\b`), Digit: "3", Confidence: 0.6},
		{Pattern: regexp.MustCompile(`(?i)\benglish\b`), Digit: "1", Confidence: 0.6},
	}
}

var menuPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)thank you for calling`),
	regexp.MustCompile(`(?i)\bpress \d\b`),
	regexp.MustCompile(`(?i)\bmain menu\b`),
	regexp.MustCompile(`(?i)\bfor .{1,40}?,? (press|say)\b`),
	regexp.MustCompile(`(?i)please (listen carefully|select from|choose one of)`),
	regexp.MustCompile(`(?i)your call (is|may be) (important|recorded|monitored)`),
	regexp.MustCompile(`(?i)para espa.ol`),
}

var humanPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(hi|hello|hey|good (morning|afternoon|evening))[.,!]?\s+(this is|my name is)\b`),
	regexp.MustCompile(`(?i)how (can|may) i help`),
	regexp.MustCompile(`(?i)what can i (do|help you with)`),
	regexp.MustCompile(`(?i)\bspeaking\b[.,!?]?\s*$`),
	regexp.MustCompile(`(?i)am i speaking (with|to)`),
}

var machinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)leave (a|your) message`),
	regexp.MustCompile(`(?i)\bvoice ?mail\b`),
	regexp.MustCompile(`(?i)(after|at) the (tone|beep)`),
}

var ackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpress(ing)? (that|the|it|\d)\b`),
	regexp.MustCompile(`(?i)\bi('ll| will) (press|select|choose)\b`),
	regexp.MustCompile(`(?i)\b(one moment|selecting|navigating)\b`),
}
