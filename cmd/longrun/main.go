package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
)

var (
	app       = kingpin.New("longrun", "Operator CLI for the longrun task server.")
	serverURL = app.Flag("server", "Server base URL.").Envar("LONGRUN_SERVER_URL").Default("http://localhost:3200").String()
	apiKey    = app.Flag("api-key", "API key for the server.").Envar("LONGRUN_API_KEY").Required().String()

	submitCmd    = app.Command("submit", "Submit a task.")
	submitTitle  = submitCmd.Arg("title", "Task title.").Required().String()
	submitDesc   = submitCmd.Flag("description", "Task description.").Short('d').String()
	submitActor  = submitCmd.Flag("actor", "Submitting actor id.").Envar("LONGRUN_ACTOR").String()
	submitTenant = submitCmd.Flag("tenant", "Tenant id.").Envar("LONGRUN_TENANT").String()

	statusCmd = app.Command("status", "Show a task.")
	statusID  = statusCmd.Arg("id", "Task id.").Required().String()

	planCmd = app.Command("plan", "Show a task's execution plan.")
	planID  = planCmd.Arg("id", "Task id.").Required().String()

	approveCmd = app.Command("approve", "Approve a pending task.")
	approveID  = approveCmd.Arg("id", "Task id.").Required().String()
	approveBy  = approveCmd.Flag("by", "Approver name.").Required().String()

	rejectCmd    = app.Command("reject", "Reject a pending task.")
	rejectID     = rejectCmd.Arg("id", "Task id.").Required().String()
	rejectBy     = rejectCmd.Flag("by", "Approver name.").Required().String()
	rejectReason = rejectCmd.Flag("reason", "Rejection reason.").String()

	commentsCmd = app.Command("comments", "List a task's audit trail.")
	commentsID  = commentsCmd.Arg("id", "Task id.").Required().String()
	commentsAdd = commentsCmd.Flag("add", "Add a note instead of listing.").String()
	commentsBy  = commentsCmd.Flag("by", "Note author.").Default("operator").String()

	watchCmd      = app.Command("watch", "Poll a task's progress until it finishes.")
	watchID       = watchCmd.Arg("id", "Task id.").Required().String()
	watchInterval = watchCmd.Flag("interval", "Poll interval.").Default("5s").Duration()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := newClient(*serverURL, *apiKey)

	var err error
	switch command {
	case submitCmd.FullCommand():
		err = runSubmit(ctx, c)
	case statusCmd.FullCommand():
		err = runStatus(ctx, c)
	case planCmd.FullCommand():
		err = runPlan(ctx, c)
	case approveCmd.FullCommand():
		err = runApprove(ctx, c)
	case rejectCmd.FullCommand():
		err = runReject(ctx, c)
	case commentsCmd.FullCommand():
		err = runComments(ctx, c)
	case watchCmd.FullCommand():
		err = runWatch(ctx, c)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

func runSubmit(ctx context.Context, c *client) error {
	t, err := c.submit(ctx, *submitTitle, *submitDesc, *submitActor, *submitTenant)
	if err != nil {
		return err
	}
	printTask(t)
	if t.Status == "synchronous" && t.Result != "" {
		fmt.Println()
		fmt.Println(t.Result)
	}
	return nil
}

func runStatus(ctx context.Context, c *client) error {
	t, err := c.getTask(ctx, *statusID)
	if err != nil {
		return err
	}
	printTask(t)
	return nil
}

func runPlan(ctx context.Context, c *client) error {
	p, err := c.getPlan(ctx, *planID)
	if err != nil {
		return err
	}
	if len(p.Steps) == 0 {
		fmt.Println("no plan yet")
		return nil
	}
	if p.ModelTag != "" {
		fmt.Printf("planned by %s\n", p.ModelTag)
	}
	if len(p.RiskFlags) > 0 {
		fmt.Printf("risk flags: %s\n", color.YellowString("%v", p.RiskFlags))
	}
	for _, s := range p.Steps {
		marker := stepMarker(s.Status)
		fmt.Printf("%s %2d. %s (%s", marker, s.Index+1, s.Title, s.Capability)
		if s.Attempts > 0 {
			fmt.Printf(", %d attempts", s.Attempts)
		}
		fmt.Println(")")
		if s.Command != "" {
			fmt.Printf("       $ %s\n", s.Command)
		}
	}
	return nil
}

func runApprove(ctx context.Context, c *client) error {
	t, err := c.approve(ctx, *approveID, *approveBy)
	if err != nil {
		return err
	}
	fmt.Printf("approved, task is now %s\n", colorStatus(t.Status))
	return nil
}

func runReject(ctx context.Context, c *client) error {
	t, err := c.reject(ctx, *rejectID, *rejectBy, *rejectReason)
	if err != nil {
		return err
	}
	fmt.Printf("rejected, task is now %s\n", colorStatus(t.Status))
	return nil
}

func runComments(ctx context.Context, c *client) error {
	if *commentsAdd != "" {
		return c.addComment(ctx, *commentsID, *commentsBy, *commentsAdd)
	}
	comments, err := c.listComments(ctx, *commentsID)
	if err != nil {
		return err
	}
	for _, e := range comments {
		author := e.Author
		if author == "" {
			author = "system"
		}
		fmt.Printf("%s %-16s %-8s %s\n",
			e.CreatedAt.Local().Format(time.DateTime), color.CyanString(e.Kind), author, e.Message)
	}
	return nil
}

func runWatch(ctx context.Context, c *client) error {
	ticker := time.NewTicker(*watchInterval)
	defer ticker.Stop()
	for {
		p, err := c.getProgress(ctx, *watchID)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %3d%% (step %d)\n",
			p.Timestamp.Local().Format(time.TimeOnly), colorStatus(p.Status), p.Percentage, p.CurrentStepIndex)
		if terminal(p.Status) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printTask(t *taskView) {
	fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(t.ID), t.Title)
	fmt.Printf("status:   %s", colorStatus(t.Status))
	if t.Lane != "" {
		fmt.Printf("  lane: %s", t.Lane)
	}
	fmt.Println()
	fmt.Printf("progress: %d%% (step %d)\n", t.Percentage, t.CurrentStepIndex)
	if t.ApprovalStatus != "" && t.ApprovalStatus != "none" {
		fmt.Printf("approval: %s", t.ApprovalStatus)
		if t.ApprovalResolvedBy != "" {
			fmt.Printf(" by %s", t.ApprovalResolvedBy)
		}
		fmt.Println()
	}
	if len(t.RiskFlags) > 0 {
		fmt.Printf("risks:    %s\n", color.YellowString("%v", t.RiskFlags))
	}
	if t.ErrorMessage != "" {
		fmt.Printf("error:    %s\n", color.RedString(t.ErrorMessage))
	}
}

func colorStatus(status string) string {
	switch status {
	case "completed", "synchronous":
		return color.GreenString(status)
	case "failed", "rejected":
		return color.RedString(status)
	case "executing", "queued":
		return color.CyanString(status)
	case "pending_approval":
		return color.YellowString(status)
	default:
		return status
	}
}

func stepMarker(status string) string {
	switch status {
	case "completed":
		return color.GreenString("✓")
	case "running":
		return color.CyanString("▶")
	case "failed":
		return color.RedString("✗")
	default:
		return " "
	}
}

func terminal(status string) bool {
	switch status {
	case "synchronous", "completed", "failed", "rejected":
		return true
	}
	return false
}
