package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/taskrelay/taskrelay/internal/client"
	"github.com/taskrelay/taskrelay/internal/task"
)

var (
	app     = kingpin.New("taskrelay", "Task hand-off between cooperating agents")
	baseURL = app.Flag("server", "Server base URL").Default("http://localhost:3200").Envar("TASKRELAY_SERVER").String()
	apiKey  = app.Flag("api-key", "API key").Envar("TASKRELAY_API_KEY").String()

	createCmd      = app.Command("create", "Create a new task")
	createSummary  = createCmd.Arg("summary", "Task summary").Required().String()
	createFrom     = createCmd.Flag("from", "Creating agent").Required().String()
	createTo       = createCmd.Flag("to", "Target agent").Required().String()
	createIssue    = createCmd.Flag("issue", "Issue reference").String()
	createApproval = createCmd.Flag("requires-approval", "Hold the task until approved").Bool()
	createPriority = createCmd.Flag("priority", "Task priority (NORMAL or HIGH)").Default("NORMAL").String()

	listCmd = app.Command("list", "List all tasks")

	showCmd      = app.Command("show", "Show task details")
	showID       = showCmd.Arg("id", "Task ID").Required().String()
	showAttempts = showCmd.Flag("attempts", "Include delivery attempts").Bool()

	pendingCmd   = app.Command("pending", "List pending tasks for an agent in dispatch order")
	pendingAgent = pendingCmd.Arg("agent", "Agent name").Required().String()

	approveCmd = app.Command("approve", "Approve a held task")
	approveID  = approveCmd.Arg("id", "Task ID").Required().String()

	completeCmd    = app.Command("complete", "Report the outcome of an active task")
	completeID     = completeCmd.Arg("id", "Task ID").Required().String()
	completeResult = completeCmd.Arg("result", "Result description").Required().String()
	completeStatus = completeCmd.Flag("status", "Terminal status (COMPLETED, FAILED or BLOCKED)").Default("COMPLETED").String()
	completeNoAuto = completeCmd.Flag("no-dispatch", "Skip the follow-up dispatch").Bool()

	dispatchCmd    = app.Command("dispatch", "Hand an agent its next task")
	dispatchAgent  = dispatchCmd.Arg("agent", "Agent name").Required().String()
	dispatchTaskID = dispatchCmd.Flag("task", "Dispatch a specific task").String()

	agentsCmd = app.Command("agents", "List known agents")
)

var statusColors = map[task.Status]*color.Color{
	task.StatusPending:   color.New(color.FgYellow),
	task.StatusSent:      color.New(color.FgCyan),
	task.StatusCompleted: color.New(color.FgGreen),
	task.StatusFailed:    color.New(color.FgRed),
	task.StatusBlocked:   color.New(color.FgMagenta),
}

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*baseURL, *apiKey)

	var err error
	switch command {
	case createCmd.FullCommand():
		err = runCreate(ctx, c)
	case listCmd.FullCommand():
		err = runList(ctx, c)
	case showCmd.FullCommand():
		err = runShow(ctx, c)
	case pendingCmd.FullCommand():
		err = runPending(ctx, c)
	case approveCmd.FullCommand():
		err = runApprove(ctx, c)
	case completeCmd.FullCommand():
		err = runComplete(ctx, c)
	case dispatchCmd.FullCommand():
		err = runDispatch(ctx, c)
	case agentsCmd.FullCommand():
		err = runAgents(ctx, c)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printTaskLine(t *task.Task) {
	c, ok := statusColors[t.Status]
	if !ok {
		c = color.New(color.Reset)
	}
	prio := ""
	if t.Priority == task.PriorityHigh {
		prio = color.New(color.FgRed, color.Bold).Sprint(" [HIGH]")
	}
	fmt.Printf("%s  %s  %s -> %s%s  %s\n",
		t.ID, c.Sprintf("%-9s", t.Status), t.CreatedBy, t.TargetAgent, prio, t.Summary)
}

func runCreate(ctx context.Context, c *client.Client) error {
	t, err := c.CreateTask(ctx, &task.CreateRequest{
		CreatedBy:        *createFrom,
		TargetAgent:      *createTo,
		Summary:          *createSummary,
		IssueRef:         *createIssue,
		RequiresApproval: *createApproval,
		Priority:         task.Priority(*createPriority),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created task %s\n", t.ID)
	return nil
}

func runList(ctx context.Context, c *client.Client) error {
	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		printTaskLine(t)
	}
	return nil
}

func runShow(ctx context.Context, c *client.Client) error {
	t, err := c.GetTask(ctx, *showID)
	if err != nil {
		return err
	}
	fmt.Printf("ID:           %s\n", t.ID)
	fmt.Printf("Status:       %s\n", t.Status)
	fmt.Printf("Priority:     %s\n", t.Priority)
	fmt.Printf("From:         %s\n", t.CreatedBy)
	fmt.Printf("To:           %s\n", t.TargetAgent)
	fmt.Printf("Summary:      %s\n", t.Summary)
	if t.IssueRef != "" {
		fmt.Printf("Issue:        %s\n", t.IssueRef)
	}
	if t.RequiresApproval {
		approved := "no"
		if t.ApprovedAt != nil {
			approved = t.ApprovedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("Approved:     %s\n", approved)
	}
	fmt.Printf("Created:      %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.SentAt != nil {
		fmt.Printf("Sent:         %s\n", t.SentAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if t.Result != "" {
		fmt.Printf("Result:       %s\n", t.Result)
	}

	if *showAttempts {
		attempts, err := c.ListAttempts(ctx, t.ID)
		if err != nil {
			return err
		}
		fmt.Println("Delivery attempts:")
		for _, a := range attempts {
			outcome := color.GreenString("ok")
			if !a.Succeeded {
				outcome = color.RedString("failed")
			}
			fmt.Printf("  %s  %s  %s  %s\n",
				a.SentAt.Format("2006-01-02 15:04:05"), a.DeliveryMethod, outcome, a.Response)
		}
	}
	return nil
}

func runPending(ctx context.Context, c *client.Client) error {
	tasks, err := c.PendingTasks(ctx, *pendingAgent)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		printTaskLine(t)
	}
	return nil
}

func runApprove(ctx context.Context, c *client.Client) error {
	t, err := c.ApproveTask(ctx, *approveID)
	if err != nil {
		return err
	}
	fmt.Printf("Approved task %s\n", t.ID)
	return nil
}

func runComplete(ctx context.Context, c *client.Client) error {
	req := &task.CompleteRequest{
		Result: *completeResult,
		Status: task.Status(*completeStatus),
	}
	if *completeNoAuto {
		f := false
		req.AutoDispatch = &f
	}
	resp, err := c.CompleteTask(ctx, *completeID, req)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s marked %s\n", resp.Task.ID, resp.Task.Status)
	if resp.Next != nil {
		printDispatchResult(resp.Next)
	}
	return nil
}

func runDispatch(ctx context.Context, c *client.Client) error {
	res, err := c.Dispatch(ctx, *dispatchAgent, *dispatchTaskID)
	if err != nil {
		return err
	}
	printDispatchResult(res)
	return nil
}

func printDispatchResult(res *task.DispatchResult) {
	switch res.Outcome {
	case task.OutcomeDispatched:
		fmt.Printf("%s task %s\n", color.GreenString("Dispatched"), res.Task.ID)
	case task.OutcomeDeliveryFailed:
		fmt.Printf("%s: %s\n", color.RedString("Delivery failed"), res.Reason)
	default:
		fmt.Printf("%s: %s\n", res.Outcome, res.Reason)
	}
}

func runAgents(ctx context.Context, c *client.Client) error {
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		fmt.Printf("%-20s last seen %s\n", a.Name, a.LastSeenAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
