package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"quizchain-service/internal/app"
	"quizchain-service/internal/config"
	"quizchain-service/internal/domain"
	"quizchain-service/internal/play"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type simulateOptions struct {
	players  int
	capacity int
	items    int
	kind     string
	rate     string
	prompt   string
	itemTime time.Duration
	accuracy float64
}

// NewSimulateCmd runs a whole game in-process with bot players.
func NewSimulateCmd(configPath *string) *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play a session end to end with bot participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("item-time") {
				opts.itemTime = config.TTLDuration(cfg.Play.ItemTime, opts.itemTime)
			}
			return runSimulation(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().IntVar(&opts.players, "players", 6, "bots that try to join")
	cmd.Flags().IntVar(&opts.capacity, "capacity", 4, "session capacity")
	cmd.Flags().IntVar(&opts.items, "items", 5, "items per session")
	cmd.Flags().StringVar(&opts.kind, "kind", string(domain.KindQuiz), "quiz or factcheck")
	cmd.Flags().StringVar(&opts.rate, "rate", "10", "reward per correct answer")
	cmd.Flags().StringVar(&opts.prompt, "prompt", "the water cycle: evaporation condensation precipitation collection", "generation prompt")
	cmd.Flags().DurationVar(&opts.itemTime, "item-time", 2*time.Second, "countdown per item")
	cmd.Flags().Float64Var(&opts.accuracy, "accuracy", 0.6, "chance a bot picks the right answer")
	return cmd
}

func runSimulation(ctx context.Context, cfg config.Config, opts simulateOptions) error {
	rate, err := decimal.NewFromString(opts.rate)
	if err != nil {
		return fmt.Errorf("rate: %w", err)
	}
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	svc := st.service

	const host = "0xs1mhost"
	session, err := svc.CreateSession(ctx, app.CreateRequest{
		Kind:       domain.SessionKind(opts.kind),
		Source:     domain.ContentSource{Type: domain.SourcePrompt, Prompt: opts.prompt},
		ItemCount:  opts.items,
		Capacity:   opts.capacity,
		RewardRate: rate,
		Creator:    host,
	})
	if err != nil {
		return err
	}
	if _, err := svc.OpenSession(ctx, session.Code, host); err != nil {
		return err
	}
	log.Info().Str("session", session.Code).Int("items", len(session.Items)).Msg("simulation started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= opts.players; i++ {
		address := fmt.Sprintf("0xb0t%02d", i)
		g.Go(func() error {
			return playBot(gctx, svc, session, address, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	payout, err := svc.CloseSession(ctx, session.Code, host)
	if err != nil {
		return err
	}
	lb, err := svc.GetLeaderboard(ctx, session.Code, app.SortByScore)
	if err != nil {
		return err
	}
	for rank, e := range lb.Entries {
		log.Info().Int("rank", rank+1).Str("address", e.Address).Int("score", e.Score).Bool("completed", e.Completed).Msg("leaderboard")
	}
	for i, addr := range payout.Participants {
		log.Info().Str("address", addr).Str("reward", payout.Rewards[i].String()).Msg("payout")
	}
	return nil
}

func playBot(ctx context.Context, svc *app.SessionService, session domain.Session, address string, opts simulateOptions) error {
	if _, err := svc.JoinSession(ctx, session.Code, address, address); err != nil {
		if errors.Is(err, domain.ErrCapacityReached) {
			log.Info().Str("address", address).Msg("session full, bot sits out")
			return nil
		}
		return err
	}

	ctrl := play.NewController(svc, session.Code, address, session.Items, opts.itemTime)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go chooseAnswers(runCtx, ctrl, session.Kind, opts)

	if err := ctrl.Run(runCtx, opts.itemTime/20+time.Millisecond); err != nil {
		return fmt.Errorf("bot %s: %w", address, err)
	}
	done, _ := ctrl.Completion()
	log.Debug().Str("address", address).Int("score", done.Score).Msg("bot finished")
	return nil
}

// chooseAnswers makes one pick per item at a random moment of its countdown,
// sometimes too late, so the timer submits no_answer.
func chooseAnswers(ctx context.Context, ctrl *play.Controller, kind domain.SessionKind, opts simulateOptions) {
	ticker := time.NewTicker(opts.itemTime/20 + time.Millisecond)
	defer ticker.Stop()
	var (
		current  string
		picked   bool
		deadline time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		item, ok := ctrl.Current()
		if !ok {
			return
		}
		if item.ID != current {
			current, picked = item.ID, false
			deadline = time.Now().Add(time.Duration(rand.Float64() * 1.2 * float64(opts.itemTime)))
		}
		if picked || time.Now().Before(deadline) {
			continue
		}
		_ = ctrl.Select(botAnswer(item, kind, opts.accuracy))
		picked = true
	}
}

func botAnswer(item domain.Item, kind domain.SessionKind, accuracy float64) string {
	correct := item.CorrectAnswer()
	if rand.Float64() < accuracy {
		return correct
	}
	if kind == domain.KindFactCheck {
		if correct == "true" {
			return "false"
		}
		return "true"
	}
	for {
		label := domain.OptionLabels[rand.Intn(len(domain.OptionLabels))]
		if label != correct {
			return label
		}
	}
}
