package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"time"
)

const (
	goCILint = "github.com/golangci/golangci-lint/cmd/golangci-lint"
	goFumpt  = "mvdan.cc/gofumpt"
)

const (
	curDir  = "."
	recDir  = "./..."
	mainPkg = "./cmd/testidp"

	smokePort = 3399
)

func main() {
	var lint, test, smoke, pr bool
	flag.BoolVar(&lint, "lint", false, "lint the code")
	flag.BoolVar(&test, "test", false, "run the tests")
	flag.BoolVar(&smoke, "smoke", false, "sign in against a built testidp binary")
	flag.BoolVar(&pr, "pr", false, "run the pull request checks")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Handle recover and cancel context.
	defer func() {
		if err := recover(); err != nil {
			cancel()
			log.Println("panic occurred:", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if lint {
		Lint(ctx)
	}
	if test {
		Test(ctx)
	}
	if smoke {
		Smoke(ctx)
	}
	if pr {
		PullRequest(ctx)
	}
}

func Lint(ctx context.Context) {
	fmt.Println("🧹 code linting")
	iferr(Go(ctx, "mod", "tidy"))
	iferr(Go(ctx, "mod", "verify"))
	iferr(GoRun(ctx, goFumpt, "-w", "-extra", curDir))
	iferr(GoRun(ctx, goCILint, "-v", "run", recDir))
	fmt.Println("✅ code linted")
}

func Test(ctx context.Context) {
	fmt.Println("🧪 running tests")
	iferr(Go(ctx, "test", "-race", "-count=1", recDir))
	fmt.Println("✅ tests passed")
}

// Smoke builds the binary, starts it and runs its check command against it,
// the same way a CI job of an application under test would.
func Smoke(ctx context.Context) {
	fmt.Println("💨 smoke testing")
	bin, err := os.MkdirTemp("", "testidp-smoke")
	iferr(err)
	defer os.RemoveAll(bin)
	binPath := bin + "/testidp"
	iferr(Go(ctx, "build", "-o", binPath, mainPkg))

	port := strconv.Itoa(smokePort)
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	srv := exec.CommandContext(srvCtx, binPath, "--port", port)
	srv.Stdout = os.Stdout
	srv.Stderr = os.Stderr
	srv.Cancel = func() error {
		return srv.Process.Signal(os.Interrupt)
	}
	iferr(srv.Start())

	issuer := "http://localhost:" + port
	var checkErr error
	for i := 0; i < 20; i++ {
		checkErr = Exec(ctx, binPath, "check", "--issuer", issuer, "--login", "smoke")
		if checkErr == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	srvCancel()
	if err := srv.Wait(); err != nil {
		slog.Warn("testidp exited", "error", err)
	}
	iferr(checkErr)
	fmt.Println("✅ smoke test passed")
}

func PullRequest(ctx context.Context) {
	Lint(ctx)
	Test(ctx)
	Smoke(ctx)
	fmt.Println("✅ pull request checks passed")
}

func Go(ctx context.Context, args ...string) error {
	return Exec(ctx, "go", args...)
}

func GoRun(ctx context.Context, args ...string) error {
	return Go(ctx, append([]string{"run", "-mod=readonly"}, args...)...)
}

func Exec(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	slog.Info("exec", slog.String("cmd", cmd.String()))
	defer slog.Info("done", slog.String("cmd", cmd.String()))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		_ = os.Stderr.Sync()
		_ = os.Stdout.Sync()
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func iferr(err error) {
	if err != nil {
		panic(err)
	}
}
