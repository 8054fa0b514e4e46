package parking

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Shell is the operator console: one command per line on in, replies on out.
type Shell struct {
	ledger  Ledger
	scanner *bufio.Scanner
	out     io.Writer
}

func NewShell(ledger Ledger, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		ledger:  ledger,
		scanner: bufio.NewScanner(in),
		out:     out,
	}
}

func (s *Shell) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.scanner.Scan() {
			break
		}

		input := strings.TrimSpace(s.scanner.Text())
		if input == "" {
			continue
		}

		s.processCommand(ctx, input)
	}
}

func (s *Shell) processCommand(ctx context.Context, input string) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return
	}

	command := parts[0]

	switch command {
	case "register":
		s.handleRegister(ctx, parts)
	case "add_space":
		s.handleAddSpace(ctx, parts)
	case "enter":
		s.handleEnter(ctx, parts)
	case "exit":
		s.handleExit(ctx, parts)
	case "status":
		s.handleStatus()
	case "open_sessions":
		s.handleOpenSessions(ctx)
	case "subscribe":
		s.handleSubscribe(ctx, parts)
	case "renew":
		s.handleRenew(ctx, parts)
	case "subscription":
		s.handleSubscription(ctx, parts)
	case "subscriptions":
		s.handleSubscriptions(ctx, parts)
	case "payments":
		s.handlePayments(ctx, parts)
	default:
		s.printf("Unknown command: %s\n", command)
	}
}

func (s *Shell) handleRegister(ctx context.Context, parts []string) {
	if len(parts) < 3 {
		s.println("Usage: register <plate> <owner>")
		return
	}

	vehicle, err := s.ledger.RegisterVehicle(ctx, parts[1], strings.Join(parts[2:], " "))
	if err != nil {
		s.fail(err)
		return
	}

	s.printf("Registered %s for %s\n", vehicle.Plate, vehicle.Owner)
}

func (s *Shell) handleAddSpace(ctx context.Context, parts []string) {
	if len(parts) != 2 {
		s.println("Usage: add_space <number>")
		return
	}

	space, err := s.ledger.Pool().AddSpace(ctx, parts[1])
	if err != nil {
		s.fail(err)
		return
	}

	s.printf("Added space %s\n", space.Number)
}

func (s *Shell) handleEnter(ctx context.Context, parts []string) {
	if len(parts) != 2 {
		s.println("Usage: enter <plate>")
		return
	}

	session, err := s.ledger.OpenSession(ctx, parts[1])
	if err != nil {
		s.fail(err)
		return
	}

	s.printf("Allocated space number: %s\n", session.SpaceNumber)
}

func (s *Shell) handleExit(ctx context.Context, parts []string) {
	if len(parts) != 2 {
		s.println("Usage: exit <plate>")
		return
	}

	session, err := s.ledger.CloseSession(ctx, parts[1])
	if session == nil {
		s.fail(err)
		return
	}

	s.printf("Space %s is free. Duration %s, fee %s\n",
		session.SpaceNumber, s.ledger.DurationLabel(session), session.Fee)
	if err != nil {
		s.printf("Warning: %s (session %s)\n", Message(err), session.ID)
	}
}

func (s *Shell) handleStatus() {
	pool := s.ledger.Pool()
	spaces := pool.Spaces()
	if len(spaces) == 0 {
		s.println("No spaces configured")
		return
	}

	s.println("Space No.\tState")
	for _, space := range spaces {
		s.printf("%s\t\t%s\n", space.Number, space.State)
	}
	s.printf("Occupied %d/%d (%.1f%%)\n", pool.OccupiedCount(), pool.TotalCount(), pool.OccupancyRate())
}

func (s *Shell) handleOpenSessions(ctx context.Context) {
	sessions, err := s.ledger.OpenSessions(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	if len(sessions) == 0 {
		s.println("Car park is empty")
		return
	}

	s.println("Space No.\tPlate\t\tDuration\tDue")
	for _, session := range sessions {
		due, err := s.ledger.AmountDue(ctx, session)
		if err != nil {
			s.fail(err)
			return
		}
		s.printf("%s\t\t%s\t\t%s\t\t%s\n", session.SpaceNumber, session.Plate, s.ledger.DurationLabel(session), due)
	}
}

func (s *Shell) handleSubscribe(ctx context.Context, parts []string) {
	if len(parts) != 4 {
		s.println("Usage: subscribe <plate> <start YYYY-MM-DD> <end YYYY-MM-DD>")
		return
	}

	start, end, ok := s.parseWindow(parts[2], parts[3])
	if !ok {
		return
	}

	sub, err := s.ledger.Subscribe(ctx, parts[1], start, end)
	if sub == nil {
		s.fail(err)
		return
	}

	s.printf("Subscription %s: %s\n", sub.ID, sub)
	if err != nil {
		s.printf("Warning: %s\n", Message(err))
	}
}

func (s *Shell) handleRenew(ctx context.Context, parts []string) {
	if len(parts) != 4 {
		s.println("Usage: renew <subscription_id> <start YYYY-MM-DD> <end YYYY-MM-DD>")
		return
	}

	start, end, ok := s.parseWindow(parts[2], parts[3])
	if !ok {
		return
	}

	sub, err := s.ledger.RenewSubscription(ctx, parts[1], start, end)
	if sub == nil {
		s.fail(err)
		return
	}

	s.printf("Renewed: %s\n", sub)
	if err != nil {
		s.printf("Warning: %s\n", Message(err))
	}
}

func (s *Shell) handleSubscription(ctx context.Context, parts []string) {
	if len(parts) != 2 {
		s.println("Usage: subscription <plate>")
		return
	}

	vehicle, err := s.ledger.Vehicle(ctx, parts[1])
	if err != nil {
		s.fail(err)
		return
	}

	sub, err := s.ledger.Subscriptions().ByVehicle(ctx, vehicle.ID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		s.println("No subscription")
		return
	}
	if err != nil {
		s.fail(err)
		return
	}

	today := s.ledger.Now()
	state := "valid"
	switch {
	case sub.ExpiredAt(today):
		state = "expired"
	case !sub.ValidAt(today):
		state = "not started"
	}
	s.printf("%s [%s] paid to date %s\n", sub, state, AmountPaidToDate(sub, today))
}

func (s *Shell) handleSubscriptions(ctx context.Context, parts []string) {
	filter := "all"
	if len(parts) == 2 {
		filter = parts[1]
	}

	registry := s.ledger.Subscriptions()
	today := s.ledger.Now()

	var (
		subs []*Subscription
		err  error
	)
	switch {
	case len(parts) > 2:
		s.println("Usage: subscriptions [valid|expired]")
		return
	case filter == "all":
		subs, err = registry.List(ctx)
	case filter == "valid":
		subs, err = registry.ListValid(ctx, today)
	case filter == "expired":
		subs, err = registry.ListExpired(ctx, today)
	default:
		s.println("Usage: subscriptions [valid|expired]")
		return
	}
	if err != nil {
		s.fail(err)
		return
	}

	if len(subs) == 0 {
		s.println("No subscriptions")
	}
	for _, sub := range subs {
		s.printf("%s\t%s\n", sub.ID, sub)
	}

	expected, err := registry.ExpectedRevenue(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	collected, err := registry.CollectedToDate(ctx, today)
	if err != nil {
		s.fail(err)
		return
	}
	s.printf("Expected revenue %s, collected to date %s\n", expected, collected)
}

func (s *Shell) handlePayments(ctx context.Context, parts []string) {
	if len(parts) != 3 {
		s.println("Usage: payments <from YYYY-MM-DD> <to YYYY-MM-DD>")
		return
	}

	from, to, ok := s.parseWindow(parts[1], parts[2])
	if !ok {
		return
	}

	payments, err := s.ledger.Payments().List(ctx, from, to.AddDate(0, 0, 1))
	if err != nil {
		s.fail(err)
		return
	}
	if len(payments) == 0 {
		s.println("No payments")
		return
	}

	total := Zero(payments[0].Amount.Currency)
	for _, p := range payments {
		s.printf("%s\t%s\t%s\n", p.Timestamp.Format(time.DateTime), p.Subject, p.Amount)
		if p.Amount.Currency == total.Currency {
			total = total.Add(p.Amount)
		}
	}
	s.printf("Total %s\n", total)
}

func (s *Shell) parseWindow(from, to string) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		s.println("Invalid start date")
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		s.println("Invalid end date")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (s *Shell) fail(err error) {
	s.printf("Error: %s\n", Message(err))
}

func (s *Shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) println(text string) {
	fmt.Fprintln(s.out, text)
}
