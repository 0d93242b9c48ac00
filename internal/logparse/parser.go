package logparse

import (
	"fmt"
	"regexp"
)

// Source engine log grammar. Player tokens have the shape
// "Name<userid><steamid><team>"; the team slot may be empty.
var (
	reTimestamp = regexp.MustCompile(`^L (\d{2}/\d{2}/\d{4} - \d{2}:\d{2}:\d{2}): (.*)$`)

	reKill = regexp.MustCompile(`^"(.+?)<\d+><.+?><(.*?)>".* killed "(.+?)<\d+><.+?><(.*?)>".* with "([^"]+)"( \(headshot\))?$`)

	reChat = regexp.MustCompile(`^"(.+?)<\d+><.+?><(.*?)>" (say|say_team) "(.*)"$`)

	reConnected = regexp.MustCompile(`^"(.+?)<\d+><.+?><.*?>" connected, address "(.*?)"$`)
	reEntered   = regexp.MustCompile(`^"(.+?)<\d+><.+?><.*?>" entered the game$`)

	reDisconnected = regexp.MustCompile(`^"(.+?)<\d+><.+?><(.*?)>" disconnected(?: \(reason "(.*)"\))?$`)

	reWorldRound  = regexp.MustCompile(`^World triggered "(Round_Start|Round_End)"$`)
	reTeamTrigger = regexp.MustCompile(`^Team "(.+?)" triggered "(.+?)"`)
)

// rule pairs a line pattern with a renderer for its submatches. Rules are
// tried in order; the first whose pattern matches the full line wins.
type rule struct {
	re    *regexp.Regexp
	build func(m []string) (Category, string)
}

var rules = []rule{
	{reKill, func(m []string) (Category, string) {
		msg := fmt.Sprintf("%s killed %s with %s", playerTag(m[1], m[2]), playerTag(m[3], m[4]), m[5])
		if m[6] != "" {
			msg += " (headshot)"
		}
		return CategoryKill, msg
	}},
	{reChat, func(m []string) (Category, string) {
		prefix := ""
		if m[3] == "say_team" {
			prefix = "[TEAM] "
		}
		return CategoryChat, fmt.Sprintf("%s%s: %s", prefix, playerTag(m[1], m[2]), m[4])
	}},
	{reConnected, func(m []string) (Category, string) {
		return CategoryConnection, fmt.Sprintf("%s connected from %s", m[1], m[2])
	}},
	{reEntered, func(m []string) (Category, string) {
		return CategoryConnection, fmt.Sprintf("%s entered the game", m[1])
	}},
	{reDisconnected, func(m []string) (Category, string) {
		if m[3] != "" {
			return CategoryDisconnection, fmt.Sprintf("%s disconnected (%s)", m[1], m[3])
		}
		return CategoryDisconnection, fmt.Sprintf("%s disconnected", m[1])
	}},
	{reWorldRound, func(m []string) (Category, string) {
		if m[1] == "Round_Start" {
			return CategoryRound, "Round started"
		}
		return CategoryRound, "Round ended"
	}},
	{reTeamTrigger, func(m []string) (Category, string) {
		return CategoryRound, fmt.Sprintf("Team %s triggered %s", m[1], m[2])
	}},
}

// playerTag renders "Name [TEAM]", dropping the tag when the team slot
// is empty.
func playerTag(name, team string) string {
	if team == "" {
		return name
	}
	return name + " [" + team + "]"
}

// ParseLine classifies one trimmed log line. The leading
// "L MM/DD/YYYY - HH:MM:SS:" timestamp is extracted when present;
// classification always runs against the remainder. Lines matching no
// rule fall through to CategoryOther with the remainder verbatim.
func ParseLine(line string) Event {
	rest := line
	timestamp := ""
	if m := reTimestamp.FindStringSubmatch(line); m != nil {
		timestamp = m[1]
		rest = m[2]
	}

	for _, r := range rules {
		if m := r.re.FindStringSubmatch(rest); m != nil {
			category, message := r.build(m)
			return Event{Timestamp: timestamp, Category: category, Message: message, Raw: line}
		}
	}

	return Event{Timestamp: timestamp, Category: CategoryOther, Message: rest, Raw: line}
}
