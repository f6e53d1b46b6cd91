package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"example.com/tracker/internal/tracker"
)

// ErrNoPage is returned when a signal arrives before any page signal.
var ErrNoPage = errors.New("signal before first page")

// Stats summarises one replay.
type Stats struct {
	Pages   int `json:"pages"`
	Signals int `json:"signals"`
}

// Player feeds signals to agents. Every page signal is a new page load: the
// previous agent is closed and a fresh one registered for the same site.
type Player struct {
	cfg      tracker.Config
	opts     []tracker.Option
	registry *tracker.Registry
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	agent *tracker.Agent
	forms map[string]*tracker.Form
}

// NewPlayer builds agents from cfg and opts. Share identity and sender
// through opts so page loads behave like one browser.
func NewPlayer(cfg tracker.Config, logger *slog.Logger, opts ...tracker.Option) *Player {
	return &Player{
		cfg:      cfg,
		opts:     opts,
		registry: tracker.NewRegistry(),
		logger:   logger,
		sleep:    sleepContext,
	}
}

// WithSleep replaces the real sleep, e.g. to advance a fake clock.
func (p *Player) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Player {
	p.sleep = fn
	return p
}

// Play runs every signal in order, then closes the last agent.
func (p *Player) Play(ctx context.Context, signals []Signal) (Stats, error) {
	var stats Stats
	defer func() {
		if err := p.registry.CloseAll(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("close agents", "error", err)
		}
	}()

	for i, s := range signals {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if s.Type != SignalPage && s.Type != SignalSleep && p.agent == nil {
			return stats, fmt.Errorf("signal %d (%s): %w", i+1, s.Type, ErrNoPage)
		}
		if err := p.apply(ctx, s); err != nil {
			return stats, fmt.Errorf("signal %d (%s): %w", i+1, s.Type, err)
		}
		stats.Signals++
		if s.Type == SignalPage {
			stats.Pages++
		}
	}
	return stats, nil
}

// Agent returns the agent of the current page load.
func (p *Player) Agent() *tracker.Agent {
	return p.agent
}

func (p *Player) apply(ctx context.Context, s Signal) error {
	switch s.Type {
	case SignalPage:
		agent, err := p.registry.Replace(ctx, p.cfg, *s.Page, p.opts...)
		if err != nil {
			return err
		}
		p.agent = agent
		p.forms = make(map[string]*tracker.Form)
		p.logger.Debug("page loaded", "url", s.Page.URL, "visitor_id", agent.VisitorID())
	case SignalScroll:
		p.agent.HandleScroll(*s.Scroll)
	case SignalActivity:
		p.agent.HandleActivity(s.Activity)
	case SignalClick:
		p.agent.HandleClick(s.Element)
	case SignalForms:
		forms := make([]*tracker.Form, 0, len(s.Forms))
		for _, ref := range s.Forms {
			f, ok := p.forms[ref.Ref]
			if !ok {
				f = &tracker.Form{}
				p.forms[ref.Ref] = f
			}
			*f = ref.Form
			forms = append(forms, f)
		}
		p.agent.Rescan(forms)
	case SignalSubmit:
		f, ok := p.forms[s.Form]
		if !ok {
			return fmt.Errorf("unknown form ref %q", s.Form)
		}
		for i := range f.Fields {
			if v, ok := s.Values[f.Fields[i].Name]; ok {
				f.Fields[i].Value = v
			}
		}
		p.agent.HandleSubmit(ctx, f)
	case SignalMouseLeave:
		p.agent.HandleMouseLeave(s.ClientY)
	case SignalVisibility:
		p.agent.HandleVisibilityChange(s.Hidden)
	case SignalUnload:
		p.agent.HandleBeforeUnload()
	case SignalTrack:
		p.agent.Track(s.Name, s.Props)
	case SignalSleep:
		d, err := s.sleepFor()
		if err != nil {
			return err
		}
		return p.sleep(ctx, d)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
