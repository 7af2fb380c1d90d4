package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"golang.org/x/term"

	"squadwars/internal/game"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)

	tableBorder = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	tableHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCell   = lipgloss.NewStyle().Padding(0, 1)
	tableMarked = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("3")).Bold(true)
)

type matchPayload struct {
	Found bool          `json:"found"`
	Match game.PvpMatch `json:"match"`
}

type guildPayload struct {
	Squad    game.Squad    `json:"squad"`
	War      *game.War     `json:"war"`
	WarPhase game.WarPhase `json:"war_phase"`
}

type notificationsPayload struct {
	Notifications []game.Notification `json:"notifications"`
}

type warPayload struct {
	War          game.War              `json:"war"`
	Phase        game.WarPhase         `json:"phase"`
	Participants []game.WarParticipant `json:"participants"`
}

type historyPayload struct {
	Wars []game.War `json:"wars"`
}

type leaderboardPayload struct {
	TournamentID string                `json:"tournament_id"`
	Top          []game.TournamentStat `json:"top"`
	Surrounding  []game.TournamentStat `json:"surrounding"`
	Player       *game.TournamentStat  `json:"player"`
	Entrants     int                   `json:"entrants"`
}

type replayPayload struct {
	Results []struct {
		Method string `json:"method"`
		Path   string `json:"path"`
		Status int    `json:"status"`
	} `json:"results"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

// promptSecret reads without echo on a terminal and falls back to a plain
// line read when stdin is piped.
func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		text, err := stdinReader.ReadString('\n')
		if err != nil && text == "" {
			return "", err
		}
		return strings.TrimSpace(text), nil
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderMatch(raw map[string]any) error {
	out, err := decodeInto[matchPayload](raw)
	if err != nil {
		return err
	}
	if !out.Found {
		printWarn("No opponent available right now. Try again shortly.")
		return nil
	}
	m := out.Match
	title := "OPPONENT LOCKED"
	switch {
	case m.DevBase:
		title = "PRACTICE BASE"
	case m.Revenge:
		title = "REVENGE TARGET LOCKED"
	}
	accent.Printf("\n== %s ==\n", title)
	fmt.Printf("Battle:    %s\n", m.BattleID)
	fmt.Printf("Defender:  %s (%s)\n", m.DefenderName, m.DefenderID)
	fmt.Printf("Faction:   %s   HQ %d   XP %s\n", m.DefenderFaction, m.DefenderLevel, comma(int64(m.DefenderXP)))
	if m.DefenderGuildName != "" {
		fmt.Printf("Squad:     %s\n", m.DefenderGuildName)
	}
	if m.DefenderBaseMap.Planet != "" {
		fmt.Printf("Planet:    %s\n", m.DefenderBaseMap.Planet)
	}
	if m.CreditsCharged > 0 {
		fmt.Printf("Cost:      %s credits\n", danger.Sprint(comma(m.CreditsCharged)))
	}
	fmt.Println()
	return nil
}

func renderBattleStart(raw map[string]any) error {
	exp, _ := raw["expiration"].(float64)
	printSuccess(fmt.Sprintf("Battle started. Lock held until %s.", formatUnix(int64(exp))))
	return nil
}

func renderGuild(raw map[string]any) error {
	out, err := decodeInto[guildPayload](raw)
	if err != nil {
		return err
	}
	sq := out.Squad
	accent.Printf("\n== %s ==\n", strings.ToUpper(sq.Name))
	fmt.Printf("Faction: %s   Score: %d   Members: %d\n", sq.Faction, sq.Score, len(sq.Members))
	rows := make([][]string, 0, len(sq.Members))
	for _, m := range sq.Members {
		role := ""
		switch {
		case m.Owner:
			role = "owner"
		case m.Officer:
			role = "officer"
		}
		party := ""
		if m.WarParty {
			party = "yes"
		}
		rows = append(rows, []string{truncate(m.Name, 18), role, strconv.Itoa(m.HQLevel), comma(int64(m.XP)), party})
	}
	fmt.Println(renderTable([]string{"MEMBER", "ROLE", "HQ", "XP", "WAR PARTY"}, rows, -1))
	if out.War != nil {
		fmt.Printf("War %s vs %s: %s\n", out.War.SquadIDA, out.War.SquadIDB, phaseLabel(out.WarPhase))
	} else if sq.WarSignUpTime > 0 {
		printInfo("Signed up for war, waiting for an opponent.")
	}
	fmt.Println()
	return nil
}

func renderNotifications(raw map[string]any) error {
	out, err := decodeInto[notificationsPayload](raw)
	if err != nil {
		return err
	}
	if len(out.Notifications) == 0 {
		printInfo("No notifications.")
		return nil
	}
	for _, n := range out.Notifications {
		who := n.PlayerName
		if who == "" {
			who = n.PlayerID
		}
		line := fmt.Sprintf("%s  %-24s %s", formatUnix(n.Date), n.Type, who)
		if n.Message != "" {
			line += "  " + n.Message
		}
		fmt.Println(line)
	}
	return nil
}

func renderSignUp(raw map[string]any) error {
	out, err := decodeInto[game.WarSignUp](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("%s signed up for war with %d participants.", out.GuildName, len(out.ParticipantIDs)))
	return nil
}

func renderWar(raw map[string]any) error {
	out, err := decodeInto[warPayload](raw)
	if err != nil {
		return err
	}
	w := out.War
	accent.Printf("\n== WAR %s ==\n", w.ID)
	fmt.Printf("%s vs %s   %s\n", w.SquadIDA, w.SquadIDB, phaseLabel(out.Phase))
	fmt.Printf("Action ends %s\n", formatUnix(w.ActionEnd))
	rows := make([][]string, 0, len(out.Participants))
	for _, p := range out.Participants {
		state := ""
		if p.DefenseBattleID != "" {
			state = "under attack"
		}
		rows = append(rows, []string{
			p.GuildID, truncate(p.Name, 18), strconv.Itoa(p.Level),
			strconv.Itoa(p.Turns), strconv.Itoa(p.VictoryPoints), strconv.Itoa(p.Score), state,
		})
	}
	fmt.Println(renderTable([]string{"SQUAD", "PLAYER", "HQ", "TURNS", "VP", "SCORE", ""}, rows, -1))
	return nil
}

func renderWarHistory(raw map[string]any) error {
	out, err := decodeInto[historyPayload](raw)
	if err != nil {
		return err
	}
	if len(out.Wars) == 0 {
		printInfo("No wars yet.")
		return nil
	}
	rows := make([][]string, 0, len(out.Wars))
	for _, w := range out.Wars {
		rows = append(rows, []string{
			formatUnix(w.MatchedTime), w.SquadIDA, w.SquadIDB,
			fmt.Sprintf("%d - %d", w.SquadAScore, w.SquadBScore),
		})
	}
	fmt.Println(renderTable([]string{"MATCHED", "SQUAD A", "SQUAD B", "SCORE"}, rows, -1))
	return nil
}

func renderAttackStart(raw map[string]any) error {
	out, err := decodeInto[game.AttackDetail](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Attack on %s started. Battle %s, finish before %s.", out.DefenderID, out.BattleID, formatUnix(out.Expiration)))
	return nil
}

func renderAttackResult(raw map[string]any) error {
	out, err := decodeInto[game.AttackResult](raw)
	if err != nil {
		return err
	}
	stars := strings.Repeat("*", out.Stars) + strings.Repeat(".", 3-min(out.Stars, 3))
	printSuccess(fmt.Sprintf("[%s] +%d victory points against %s (defender keeps %d).", stars, out.VictoryPoints, out.DefenderID, out.DefenderPoints))
	return nil
}

func renderLeaderboard(raw map[string]any) error {
	out, err := decodeInto[leaderboardPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== TOURNAMENT %s (%d entrants) ==\n", strings.ToUpper(out.TournamentID), out.Entrants)
	if len(out.Top) == 0 {
		printInfo("No scores yet.")
		return nil
	}
	me := ""
	if out.Player != nil {
		me = out.Player.PlayerID
	}
	fmt.Println(standingsTable(out.Top, me))
	if len(out.Surrounding) > 0 && out.Player != nil && out.Player.Rank > out.Top[len(out.Top)-1].Rank {
		accent.Println("Around you")
		fmt.Println(standingsTable(out.Surrounding, me))
	}
	return nil
}

func standingsTable(stats []game.TournamentStat, me string) string {
	rows := make([][]string, 0, len(stats))
	marked := -1
	for i, st := range stats {
		if st.PlayerID == me {
			marked = i
		}
		rows = append(rows, []string{
			strconv.Itoa(st.Rank), truncate(st.Name, 18), truncate(st.GuildName, 16),
			comma(st.Value), fmt.Sprintf("%.1f%%", st.Percentile),
		})
	}
	return renderTable([]string{"RANK", "PLAYER", "SQUAD", "SCORE", "PCTL"}, rows, marked)
}

func renderRank(raw map[string]any) error {
	out, err := decodeInto[game.TournamentStat](raw)
	if err != nil {
		return err
	}
	fmt.Printf("Rank %s with %s points, better than %s of players.\n",
		accent.Sprint(out.Rank), comma(out.Value), success.Sprintf("%.1f%%", out.Percentile))
	return nil
}

func renderReplay(raw map[string]any) error {
	out, err := decodeInto[replayPayload](raw)
	if err != nil {
		return err
	}
	ok := 0
	for _, r := range out.Results {
		if r.Status >= 200 && r.Status < 300 {
			ok++
			continue
		}
		printError(fmt.Sprintf("%s %s rejected with status %d", r.Method, r.Path, r.Status))
	}
	printSuccess(fmt.Sprintf("Sync complete: applied=%d rejected=%d", ok, len(out.Results)-ok))
	return nil
}

func renderSimpleOK(raw map[string]any, successMessage string) error {
	ok := false
	if v, has := raw["ok"]; has {
		switch t := v.(type) {
		case bool:
			ok = t
		case string:
			ok = strings.EqualFold(strings.TrimSpace(t), "true")
		}
	}
	if ok || successMessage != "" {
		printSuccess(successMessage)
		return nil
	}
	printInfo("Done.")
	return nil
}

// renderTable draws rows with a highlighted row at index marked (-1 for none).
func renderTable(headers []string, rows [][]string, marked int) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorder).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeader
			case row == marked:
				return tableMarked
			default:
				return tableCell
			}
		}).
		Render()
}

func phaseLabel(p game.WarPhase) string {
	text := strings.ToUpper(string(p))
	switch p {
	case game.PhaseLive:
		return success.Sprint(text)
	case game.PhaseSettled:
		return neutral.Sprint(text)
	default:
		return warn.Sprint(text)
	}
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func formatUnix(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Unix(sec, 0).Local().Format("2006-01-02 15:04:05")
}

func comma(v int64) string {
	if v < 0 {
		return "-" + comma(-v)
	}
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
