package gateway

import (
	"regexp"
	"strconv"
	"strings"
)

// The status command prints a key : value header followed by a player
// table. Field layouts drift between games and engine versions, so every
// regexp here is tolerant: a line that does not match is skipped.
var (
	reStatusHostname = regexp.MustCompile(`(?m)^hostname\s*:\s*(.+?)\s*$`)
	reStatusVersion  = regexp.MustCompile(`(?m)^version\s*:\s*(\S+)`)
	reStatusMap      = regexp.MustCompile(`(?m)^map\s*:\s*(\S+)`)

	// "players : 3 humans, 1 bots (16/0 max)" and the older
	// "players : 3 (16 max)" shape.
	reStatusPlayersLong  = regexp.MustCompile(`(?m)^players\s*:\s*(\d+)\s+humans?,\s*(\d+)\s+bots?\s*\((\d+)`)
	reStatusPlayersShort = regexp.MustCompile(`(?m)^players\s*:\s*(\d+)\s*\((\d+)\s+max\)`)

	// '#  2 1 "Name" STEAM_1:0:11 05:27 57 0 active 10.0.0.7:27005'
	// The second numeric column and trailing columns are optional.
	rePlayerRow = regexp.MustCompile(`^#\s*(\d+)(?:\s+\d+)?\s+"(.+)"\s+(\S+)\s+([\d:]+)\s+(\d+)\s+(\d+)\s*(\w+)?\s*(\S+)?`)

	reStatsRow = regexp.MustCompile(`^\s*([\d.]+)\s+([\d.]+)\s+([\d.]+)\s+(\d+)\s+\d+\s+([\d.]+)\s+(\d+)`)
)

type statusFields struct {
	Hostname   string
	Map        string
	Version    string
	Players    int
	MaxPlayers int
	Bots       int
}

// parseStatusText scrapes the text reply of the status command into the
// recognized header fields and player rows.
func parseStatusText(text string) (statusFields, []Player) {
	var fields statusFields

	if m := reStatusHostname.FindStringSubmatch(text); m != nil {
		fields.Hostname = m[1]
	}
	if m := reStatusVersion.FindStringSubmatch(text); m != nil {
		fields.Version = m[1]
	}
	if m := reStatusMap.FindStringSubmatch(text); m != nil {
		fields.Map = m[1]
	}
	if m := reStatusPlayersLong.FindStringSubmatch(text); m != nil {
		fields.Players = atoi(m[1])
		fields.Bots = atoi(m[2])
		fields.MaxPlayers = atoi(m[3])
	} else if m := reStatusPlayersShort.FindStringSubmatch(text); m != nil {
		fields.Players = atoi(m[1])
		fields.MaxPlayers = atoi(m[2])
	}

	var players []Player
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		m := rePlayerRow.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		players = append(players, Player{
			UserID:    atoi(m[1]),
			Name:      m[2],
			SteamID:   m[3],
			Connected: m[4],
			Ping:      atoi(m[5]),
			Loss:      atoi(m[6]),
			State:     m[7],
			Address:   m[8],
		})
	}

	return fields, players
}

// parseStatsText scrapes the numeric row of the stats command. The reply
// is a header line naming the columns followed by one line of values.
func parseStatsText(text string) *ServerStats {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "CPU") {
			continue
		}
		for _, candidate := range lines[i+1:] {
			m := reStatsRow.FindStringSubmatch(candidate)
			if m == nil {
				continue
			}
			return &ServerStats{
				CPU:       atof(m[1]),
				NetIn:     atof(m[2]),
				NetOut:    atof(m[3]),
				UptimeMin: atoi(m[4]),
				FPS:       atof(m[5]),
				Players:   atoi(m[6]),
			}
		}
		return nil
	}
	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
