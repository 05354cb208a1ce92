package main

// ============================================================================
// 崩潰恢復展示
//   start:   跑一組涵蓋所有結局的工作，留下一筆進行中的工作，等待 Ctrl+C
//   recover: 從快照 + WAL 恢復，檢查不變量並完成剩下的工作
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/escrow-ledger/internal/cli"
	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/jobmanager"
	"github.com/ChuLiYu/escrow-ledger/internal/metrics"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

var ctx = context.Background()

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := cli.LoadConfig("configs/default.yaml")
	must(err, "load config")
	must(os.MkdirAll(cfg.Ledger.DataDir, 0o755), "create data dir")

	ctrl, err := controller.NewController(cfg.ControllerConfig(metrics.NewCollector()))
	must(err, "create controller")
	must(ctrl.Start(), "start controller")
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		if ctrl.NextJobID() > 0 {
			fmt.Printf("\n⚠️  Found %d jobs from a previous run (recovered from crash!)\n", ctrl.NextJobID())
			printStatus(ctrl)
			fmt.Printf("\n💡 Delete %s to start fresh\n", cfg.Ledger.DataDir)
			break
		}
		runScenario(ctrl)
		printStatus(ctrl)
		fmt.Printf("\n💡 Job #3 is still in progress. Press Ctrl+C (or kill -9) and run 'recover'\n")
	case "recover":
		printStatus(ctrl)
		if err := ctrl.CheckInvariants(); err != nil {
			fmt.Printf("\n❌ Invariant violated after recovery: %v\n", err)
			ctrl.Stop()
			os.Exit(1)
		}
		fmt.Printf("\n✓ Vault balance equals the sum of active jobs\n")
		finishRecovered(ctrl)
		printStatus(ctrl)
	default:
		fmt.Printf("unknown mode %q\n", mode)
		ctrl.Stop()
		os.Exit(1)
	}

	<-sigChan
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	ctrl.Stop()
	fmt.Println("✓ Controller stopped")
}

// runScenario 每種結局各一筆
//
//	#0 全額撥款   #1 部分撥款（含超額退回）   #2 接案前取消
//	#3 進行中     #4 尚未接案
func runScenario(ctrl *controller.Controller) {
	deposit(ctrl, "alice", "10")
	deposit(ctrl, "carol", "5")

	id := create(ctrl, "alice", "QmDemoLogoDesign", "1", "1.05")
	step(ctrl.AcceptJob(ctx, id, "bob"))
	step(ctrl.SubmitWork(ctx, id, "bob", "QmDemoLogoFiles"))
	step(ctrl.ReleaseFullPayment(ctx, id, "alice"))

	id = create(ctrl, "alice", "QmDemoLandingPage", "2", "2.2")
	step(ctrl.AcceptJob(ctx, id, "dave"))
	step(ctrl.SubmitWork(ctx, id, "dave", "QmDemoLandingDraft"))
	step(ctrl.ReleasePartialPayment(ctx, id, "alice", eth("0.5")))

	id = create(ctrl, "carol", "QmDemoTypo", "0.5", "0.525")
	step(ctrl.CancelJob(ctx, id, "carol"))

	id = create(ctrl, "carol", "QmDemoAPIClient", "1", "1.05")
	step(ctrl.AcceptJob(ctx, id, "bob"))

	create(ctrl, "alice", "QmDemoCopyEdit", "0.3", "0.315")
}

// finishRecovered 完成恢復前留下的進行中工作
func finishRecovered(ctrl *controller.Controller) {
	status := types.StatusInProgress
	for _, job := range ctrl.ListJobs(jobmanager.Filter{Status: &status}) {
		fmt.Printf("  → finishing job #%d for %s\n", job.ID, job.Developer)
		step(ctrl.SubmitWork(ctx, job.ID, job.Developer, "QmDemoRecoveredDelivery"))
		step(ctrl.ReleaseFullPayment(ctx, job.ID, job.Client))
	}
}

func printStatus(ctrl *controller.Controller) {
	st := ctrl.GetStatus()
	fmt.Printf("\n📊 Ledger Status:\n")
	fmt.Printf("  Open:        %d\n", st.Jobs.Open)
	fmt.Printf("  In progress: %d\n", st.Jobs.InProgress)
	fmt.Printf("  Submitted:   %d\n", st.Jobs.Submitted)
	fmt.Printf("  Completed:   %d\n", st.Jobs.Completed)
	fmt.Printf("  Cancelled:   %d\n", st.Jobs.Cancelled)
	fmt.Printf("  Held:        %s ETH\n", money.FormatEther(st.Held))
	fmt.Printf("  Recovery:    %s (%d WAL records replayed)\n", st.Recovery.Duration, st.Recovery.Replayed)

	fmt.Printf("\n💰 Balances:\n")
	for _, acct := range []types.Account{"alice", "bob", "carol", "dave"} {
		fmt.Printf("  %-6s %s ETH\n", acct, money.FormatEther(ctrl.Balance(acct)))
	}
}

func deposit(ctrl *controller.Controller, acct types.Account, amount string) {
	_, err := ctrl.Deposit(ctx, acct, eth(amount))
	must(err, "deposit")
}

func create(ctrl *controller.Controller, client types.Account, ref, amount, value string) types.JobID {
	r, err := ctrl.CreateGig(ctx, client, ref, eth(amount), 7, eth(value))
	must(err, "create gig")
	fmt.Printf("  + job #%d by %s: %s ETH\n", r.Job.ID, client, amount)
	return r.Job.ID
}

func step(r controller.Receipt, err error) {
	must(err, "job step")
	fmt.Printf("  · job #%d → %s\n", r.Job.ID, r.Job.Status)
}

func eth(s string) money.Amount {
	a, err := money.ParseEther(s)
	must(err, "parse amount")
	return a
}

func must(err error, what string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %s: %v\n", what, err)
		os.Exit(1)
	}
}
