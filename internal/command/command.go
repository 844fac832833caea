// Package command interprets the owner's control messages: short dot- or
// slash-prefixed verbs that reconfigure forwarding for one account. Every
// mutating verb persists through the account runtime before confirming.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"relaybot/internal/account"
	"relaybot/internal/config"
	"relaybot/internal/quietwin"
	"relaybot/internal/resolver"
	"relaybot/internal/store"
	"relaybot/pkg/logx"
)

// Deps wires the interpreter to one account's runtime and resolver. Queued
// is optional and only feeds the status report.
type Deps struct {
	Runtime  *account.Runtime
	Resolver *resolver.Resolver
	Queued   func() int
}

type Interpreter struct {
	rt     *account.Runtime
	res    *resolver.Resolver
	queued func() int
	log    logx.Logger
	now    func() time.Time
}

func New(deps Deps, log logx.Logger) *Interpreter {
	if log.IsZero() {
		log = logx.Nop()
	}
	queued := deps.Queued
	if queued == nil {
		queued = func() int { return 0 }
	}
	return &Interpreter{
		rt:     deps.Runtime,
		res:    deps.Resolver,
		queued: queued,
		log:    log.With(logx.String("account", deps.Runtime.Name())),
		now:    time.Now,
	}
}

// Handle parses one owner message. handled is false when the text is not a
// command at all, meaning the caller should treat it as forwardable content.
func (i *Interpreter) Handle(ctx context.Context, text string) (reply string, handled bool) {
	verb, args, ok := split(text)
	if !ok {
		return "", false
	}
	i.log.Debug("command received", logx.String("verb", verb), logx.Int("args", len(args)))

	switch verb {
	case "add", "addgroup":
		return i.add(ctx, args), true
	case "remove", "delgroup":
		return i.remove(ctx, args), true
	case "list", "listgroups":
		return i.list(), true
	case "delay":
		return i.delay(ctx, args), true
	case "gap":
		return i.gap(ctx, args), true
	case "mode":
		return i.mode(ctx, args), true
	case "quiet":
		return i.quiet(ctx, args), true
	case "tz":
		return i.timezone(ctx, args), true
	case "autonight":
		return i.autoNight(ctx, args), true
	case "rest":
		return i.rest(ctx, args), true
	case "resume", "start":
		return i.resume(ctx), true
	case "status":
		return i.status(), true
	case "info":
		return i.info(), true
	case "help":
		return helpText, true
	default:
		return fmt.Sprintf("unknown command %q - send .help for the command list", verb), true
	}
}

// split recognizes the command prefix and tokenizes arguments on spaces and
// commas. The verb is matched case-insensitively.
func split(text string) (verb string, args []string, ok bool) {
	s := strings.TrimSpace(text)
	if len(s) < 2 || (s[0] != '.' && s[0] != '/') {
		return "", nil, false
	}
	fields := strings.FieldsFunc(s[1:], func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ','
	})
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (i *Interpreter) add(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "usage: .add <@handle | invite link | folder link | id> ..."
	}
	var total resolver.Result
	var errs []string
	for _, raw := range args {
		res, err := i.res.Add(ctx, raw)
		total.Added += res.Added
		total.Deferred += res.Deferred
		total.Failed += res.Failed
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", raw, err))
		}
	}
	n := len(i.rt.Snapshot().Destinations)
	reply := fmt.Sprintf("%s (%d/%d destinations)", total, n, account.MaxDestinations)
	if len(errs) > 0 {
		reply += "\n" + strings.Join(errs, "\n")
	}
	return reply
}

func (i *Interpreter) remove(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "usage: .remove <descriptor> ..."
	}
	removed := 0
	var missing []string
	for _, raw := range args {
		ok, err := i.res.Remove(ctx, raw)
		if err != nil {
			return fmt.Sprintf("remove failed: %v", err)
		}
		if ok {
			removed++
		} else {
			missing = append(missing, raw)
		}
	}
	reply := fmt.Sprintf("removed %d destination(s)", removed)
	if len(missing) > 0 {
		reply += ", not found: " + strings.Join(missing, ", ")
	}
	return reply
}

func (i *Interpreter) list() string {
	dests := i.rt.Snapshot().Destinations
	if len(dests) == 0 {
		return "no destinations configured - add one with .add"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "destinations (%d/%d):\n", len(dests), account.MaxDestinations)
	for n, d := range dests {
		fmt.Fprintf(&b, "%2d. %s\n", n+1, d)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (i *Interpreter) delay(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: .delay <duration> (e.g. 30s, 5m, 1h30m; bare numbers are seconds)"
	}
	d, err := config.ParseUserDuration(args[0])
	if err != nil {
		return fmt.Sprintf("bad duration: %v", err)
	}
	effective, err := i.rt.SetPerItemDelay(ctx, int(d/time.Second))
	if err != nil {
		return fmt.Sprintf("delay not saved: %v", err)
	}
	reply := fmt.Sprintf("per-item delay set to %ds", effective)
	if effective != int(d/time.Second) {
		reply += fmt.Sprintf(" (minimum is %ds)", account.MinPerItemDelaySeconds)
	}
	return reply
}

func (i *Interpreter) gap(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: .gap <duration> - pause between destinations in broadcast mode"
	}
	d, err := config.ParseUserDuration(args[0])
	if err != nil {
		return fmt.Sprintf("bad duration: %v", err)
	}
	if err := i.rt.SetGap(ctx, int(d/time.Second)); err != nil {
		return fmt.Sprintf("gap not saved: %v", err)
	}
	return fmt.Sprintf("inter-destination gap set to %ds", int(d/time.Second))
}

func (i *Interpreter) mode(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: .mode <broadcast | roundrobin>"
	}
	var mode store.Mode
	switch strings.ToLower(args[0]) {
	case "broadcast", "all":
		mode = store.ModeBroadcast
	case "roundrobin", "round-robin", "rr", "rotate":
		mode = store.ModeRoundRobin
	default:
		return fmt.Sprintf("unknown mode %q - use broadcast or roundrobin", args[0])
	}
	if err := i.rt.SetMode(ctx, mode); err != nil {
		return fmt.Sprintf("mode not saved: %v", err)
	}
	return fmt.Sprintf("mode set to %s", mode)
}

func (i *Interpreter) quiet(ctx context.Context, args []string) string {
	const usage = "usage: .quiet HH:MM-HH:MM (e.g. .quiet 23:00-06:00) or .quiet off"
	if len(args) != 1 {
		return usage
	}
	if strings.EqualFold(args[0], "off") {
		if err := i.rt.ClearQuietWindow(ctx); err != nil {
			return fmt.Sprintf("quiet window not cleared: %v", err)
		}
		return "quiet window cleared"
	}
	parts := strings.SplitN(args[0], "-", 2)
	if len(parts) != 2 {
		return usage
	}
	if err := i.rt.SetQuietWindow(ctx, parts[0], parts[1]); err != nil {
		return fmt.Sprintf("bad quiet window: %v", err)
	}
	return fmt.Sprintf("quiet window set to %s-%s (%s)", parts[0], parts[1], i.rt.Snapshot().Timezone)
}

func (i *Interpreter) timezone(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: .tz <IANA zone> (e.g. .tz Asia/Kolkata)"
	}
	if err := i.rt.SetTimezone(ctx, args[0]); err != nil {
		return fmt.Sprintf("bad timezone: %v", err)
	}
	return fmt.Sprintf("timezone set to %s", args[0])
}

func (i *Interpreter) autoNight(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: .autonight <on | off>"
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
		on = false
	default:
		return "usage: .autonight <on | off>"
	}
	if err := i.rt.SetAutoNight(ctx, on); err != nil {
		return fmt.Sprintf("autonight not saved: %v", err)
	}
	if on {
		def := quietwin.Default(account.Location(i.rt.Snapshot()))
		return fmt.Sprintf("autonight on - default window %s applies when no explicit quiet window is set", def)
	}
	return "autonight off"
}

func (i *Interpreter) rest(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: .rest <duration> (e.g. 10m, 1h, 5h)"
	}
	d, err := config.ParseUserDuration(args[0])
	if err != nil {
		return fmt.Sprintf("bad duration: %v", err)
	}
	if d <= 0 {
		return "rest duration must be positive"
	}
	until := i.now().Add(d)
	if err := i.rt.Rest(ctx, &until); err != nil {
		return fmt.Sprintf("rest not saved: %v", err)
	}
	loc := account.Location(i.rt.Snapshot())
	return fmt.Sprintf("resting for %s, resuming at %s", d, until.In(loc).Format("15:04:05"))
}

func (i *Interpreter) resume(ctx context.Context) string {
	if err := i.rt.Rest(ctx, nil); err != nil {
		return fmt.Sprintf("resume failed: %v", err)
	}
	return "forwarding resumed"
}

func (i *Interpreter) status() string {
	rec := i.rt.Snapshot()
	now := i.now()

	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s\n", rec.Mode)
	fmt.Fprintf(&b, "destinations: %d/%d\n", len(rec.Destinations), account.MaxDestinations)
	fmt.Fprintf(&b, "delay: %ds, gap: %ds\n", rec.PerItemDelaySeconds, rec.GapSeconds)

	if w, enabled := account.QuietWindow(rec); enabled {
		state := "inactive"
		if w.Contains(now) {
			state = "active"
		}
		fmt.Fprintf(&b, "quiet: %s (%s, %s)\n", w, rec.Timezone, state)
	} else {
		b.WriteString("quiet: off\n")
	}

	if account.Resting(rec, now) {
		loc := account.Location(rec)
		fmt.Fprintf(&b, "resting until %s\n", rec.RestUntil.In(loc).Format("15:04:05"))
	} else {
		b.WriteString("resting: no\n")
	}
	if rec.PlanExpiry != "" {
		state := "active"
		if account.PlanExpired(rec, now) {
			state = "EXPIRED"
		}
		fmt.Fprintf(&b, "plan expires: %s (%s)\n", rec.PlanExpiry, state)
	}
	fmt.Fprintf(&b, "queued items: %d", i.queued())
	return b.String()
}

func (i *Interpreter) info() string {
	rec := i.rt.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "account: %s\n", rec.Name)
	fmt.Fprintf(&b, "timezone: %s\n", rec.Timezone)
	fmt.Fprintf(&b, "autonight: %v\n", rec.AutoNight)
	if rec.PlanExpiry != "" {
		state := "active"
		if account.PlanExpired(rec, i.now()) {
			state = "EXPIRED"
		}
		fmt.Fprintf(&b, "plan expires: %s (%s)", rec.PlanExpiry, state)
	} else {
		b.WriteString("plan: unlimited")
	}
	return b.String()
}

var helpText = buildHelp()

func buildHelp() string {
	cmds := map[string]string{
		".add <descriptor> ...":    "add destinations (handles, invite links, folder links, ids)",
		".remove <descriptor> ...": "remove destinations",
		".list":                    "show configured destinations",
		".delay <duration>":        "pause after each forwarded item",
		".gap <duration>":          "pause between destinations in broadcast mode",
		".mode <broadcast|roundrobin>": "fan-out strategy",
		".quiet HH:MM-HH:MM | off":     "daily window with forwarding suppressed",
		".tz <zone>":                   "timezone for the quiet window",
		".autonight on|off":            "default 23:00-06:00 quiet window",
		".rest <duration>":             "pause all forwarding for a while",
		".resume":                      "lift a rest immediately",
		".status":                      "current configuration and queue depth",
		".info":                        "account and plan details",
	}
	keys := make([]string, 0, len(cmds))
	for k := range cmds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s - %s\n", k, cmds[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
