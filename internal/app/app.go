package app

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"

	"sessiond/internal/config"
	"sessiond/internal/llm"
	"sessiond/internal/sessions"
	"sessiond/internal/storage/sqlite"
)

// Main wires config, database, classifier and scheduler together. With -once
// it runs a single sessionization pass and exits; otherwise it sleeps on the
// configured cron schedule.
func Main() {
	once := flag.Bool("once", false, "run one sessionization pass and exit")
	flag.Parse()

	cfg := config.LoadConfig()

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	classifier := llm.NewClient(cfg)

	var api *slack.Client
	if cfg.SlackConfigured() {
		api = slack.New(cfg.SlackBotToken)
	}

	if *once {
		summary, err := sessions.RunSessionization(context.Background(), db, cfg, classifier)
		if err != nil {
			log.Fatalf("Sessionization error: %v", err)
		}
		postRunSummary(api, cfg, summary)
		return
	}

	log.Println("Starting sessionization daemon...")
	runSessionizationScheduler(cfg, db, classifier, api)
}

// runSessionizationScheduler blocks forever, running one sessionization pass
// at each tick of the configured cron schedule.
// The schedule is a standard 5-field cron expression (minute hour day-of-month month day-of-week).
// Examples: "*/30 * * * *" (every 30 minutes), "0 * * * *" (hourly).
func runSessionizationScheduler(cfg config.Config, db *sql.DB, classifier sessions.Classifier, api *slack.Client) {
	schedule := strings.TrimSpace(cfg.SessionizeSchedule)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Fatalf("Invalid sessionize_schedule '%s': %v", schedule, err)
	}
	log.Printf("Sessionization scheduled (cron: %s)", schedule)

	for {
		now := time.Now().In(cfg.Location)
		next := sched.Next(now)
		wait := next.Sub(now)
		log.Printf("Next sessionization at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

		time.Sleep(wait)

		summary, runErr := sessions.RunSessionization(context.Background(), db, cfg, classifier)
		if runErr != nil {
			// A failed run writes nothing; the next tick retries the same window.
			log.Printf("Sessionization error: %v", runErr)
			continue
		}
		postRunSummary(api, cfg, summary)
	}
}

func postRunSummary(api *slack.Client, cfg config.Config, summary *sessions.RunSummary) {
	if api == nil || cfg.SummaryChannelID == "" || summary == nil {
		return
	}
	if summary.Skipped {
		return
	}
	if summary.SessionsCreated == 0 && summary.CandidateSessionsCreated == 0 {
		return
	}

	msg := FormatRunSummary(summary)
	if _, _, err := api.PostMessage(cfg.SummaryChannelID, slack.MsgOptionText(msg, false)); err != nil {
		log.Printf("Failed to post run summary to Slack: %v", err)
	}
}

// FormatRunSummary renders a one-line run report for the summary channel.
func FormatRunSummary(summary *sessions.RunSummary) string {
	var parts []string
	if summary.SessionsCreated > 0 {
		parts = append(parts, fmt.Sprintf("%d finalized", summary.SessionsCreated))
	}
	if summary.CandidateSessionsCreated > 0 {
		parts = append(parts, fmt.Sprintf("%d carried over", summary.CandidateSessionsCreated))
	}
	if summary.CandidateSessionsDeleted > 0 {
		parts = append(parts, fmt.Sprintf("%d candidates retired", summary.CandidateSessionsDeleted))
	}
	detail := "nothing to do"
	if len(parts) > 0 {
		detail = strings.Join(parts, ", ")
	}
	return fmt.Sprintf("Sessionized %s -> %s (%d activities, %d islands): %s",
		summary.WindowStart.Format("Jan 2 15:04"), summary.WindowEnd.Format("15:04"),
		summary.NewActivities, summary.Islands, detail)
}
