//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/daemon"
	"github.com/eliteGoblin/buildd/internal/domain"
	"github.com/eliteGoblin/buildd/internal/infra"
	"github.com/eliteGoblin/buildd/internal/metrics"
	"github.com/eliteGoblin/buildd/internal/usecase"
)

const fingerprint = "fp-integration"

type runningDaemon struct {
	*daemon.Daemon
	done chan struct{}
}

var _ = Describe("Build daemons", func() {
	var (
		tmpDir   string
		registry domain.DaemonRegistry
		running  []*runningDaemon
		cancel   context.CancelFunc
		ctx      context.Context
	)

	startDaemon := func(mutate func(*daemon.DaemonConfig)) *runningDaemon {
		cfg := daemon.DefaultDaemonConfig()
		cfg.ExpirationInterval = 20 * time.Millisecond
		if mutate != nil {
			mutate(&cfg)
		}

		d := daemon.New(cfg, daemon.Deps{
			Registry:    registry,
			Acceptor:    infra.NewSocketAcceptor("unix", filepath.Join(tmpDir, "sockets"), zap.NewNop()),
			Executor:    usecase.NewProcessExecutor(zap.NewNop()),
			Processes:   infra.NewProcessManager(),
			Memory:      infra.NewSystemMemoryProbe(),
			Metrics:     metrics.NewRecorder(),
			Fingerprint: fingerprint,
		}, zap.NewNop())
		Expect(d.Start()).To(Succeed())

		rd := &runningDaemon{Daemon: d, done: make(chan struct{})}
		go func() {
			defer GinkgoRecover()
			defer close(rd.done)
			Expect(d.Run(ctx)).To(Succeed())
		}()
		running = append(running, rd)
		return rd
	}

	newConnector := func(spawn func() error) *usecase.Connector {
		cfg := usecase.DefaultConnectorConfig(fingerprint)
		cfg.SpawnTimeout = 5 * time.Second
		return usecase.NewConnector(cfg, registry, infra.NewDaemonClient(time.Second), spawn, zap.NewNop())
	}

	build := func(args ...string) domain.Command {
		return domain.Command{Type: domain.CommandBuild, ID: "it", Build: &domain.BuildRequest{Args: args, Dir: tmpDir}}
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "buildd-integration-*")
		Expect(err).NotTo(HaveOccurred())

		registry, err = infra.NewFileRegistry(filepath.Join(tmpDir, "registry"))
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel = context.WithCancel(context.Background())
		running = nil
	})

	AfterEach(func() {
		cancel()
		for _, d := range running {
			Eventually(d.done, 5*time.Second).Should(BeClosed())
		}
		os.RemoveAll(tmpDir)
	})

	Describe("running a build", func() {
		It("should return the command output from an idle daemon", func() {
			startDaemon(nil)

			resp, _, err := newConnector(nil).Execute(context.Background(), build("sh", "-c", "echo compiled"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Type).To(Equal(domain.ResponseComplete))
			Expect(resp.Result.Output).To(Equal("compiled\n"))
			Expect(resp.Result.ExitCode).To(Equal(0))
		})

		It("should report a failing build's exit code", func() {
			startDaemon(nil)

			resp, _, err := newConnector(nil).Execute(context.Background(), build("sh", "-c", "exit 7"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Result.ExitCode).To(Equal(7))
		})
	})

	Describe("single build per daemon", func() {
		It("should answer Busy to a second concurrent client", func() {
			d := startDaemon(nil)
			client := infra.NewDaemonClient(time.Second)

			first := make(chan *domain.Response, 1)
			go func() {
				defer GinkgoRecover()
				resp, err := client.Send(context.Background(), d.Address(), build("sleep", "1"))
				Expect(err).NotTo(HaveOccurred())
				first <- resp
			}()

			Eventually(func() bool {
				idle, err := registry.GetIdle()
				return err == nil && len(idle) == 0
			}, 2*time.Second).Should(BeTrue())

			resp, err := client.Send(context.Background(), d.Address(), build("true"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Type).To(Equal(domain.ResponseBusy))

			Eventually(first, 5*time.Second).Should(Receive(HaveField("Type", domain.ResponseComplete)))
		})

		It("should route the second build to another compatible daemon", func() {
			a := startDaemon(nil)
			b := startDaemon(nil)

			blocker := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(blocker)
				_, err := infra.NewDaemonClient(time.Second).Send(context.Background(), a.Address(), build("sleep", "1"))
				Expect(err).NotTo(HaveOccurred())
			}()
			Eventually(func() int {
				idle, _ := registry.GetIdle()
				return len(idle)
			}, 2*time.Second).Should(Equal(1))

			_, served, err := newConnector(nil).Execute(context.Background(), build("true"))
			Expect(err).NotTo(HaveOccurred())
			Expect(served.Address).To(Equal(b.Address()))
			Eventually(blocker, 5*time.Second).Should(BeClosed())
		})
	})

	Describe("self expiration", func() {
		It("should expire the least recently used of two idle compatible daemons", func() {
			older := startDaemon(func(cfg *daemon.DaemonConfig) {
				cfg.Policy.DuplicateGrace = 100 * time.Millisecond
			})
			time.Sleep(20 * time.Millisecond)
			newer := startDaemon(func(cfg *daemon.DaemonConfig) {
				cfg.Policy.DuplicateGrace = 100 * time.Millisecond
			})

			Eventually(older.done, 5*time.Second).Should(BeClosed())
			Consistently(newer.done, 300*time.Millisecond).ShouldNot(BeClosed())

			events, err := registry.GetStopEvents()
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(ContainElement(And(
				HaveField("UID", older.UID()),
				HaveField("Graceful", BeTrue()),
			)))
		})

		It("should stop when the registry becomes unreadable", func() {
			d := startDaemon(nil)
			Expect(os.RemoveAll(filepath.Join(tmpDir, "registry"))).To(Succeed())

			Eventually(d.done, 5*time.Second).Should(BeClosed())
		})
	})

	Describe("stop all", func() {
		It("should stop every daemon and empty the registry", func() {
			a := startDaemon(nil)
			b := startDaemon(nil)

			summary, err := usecase.StopAll(context.Background(), registry, infra.NewDaemonClient(time.Second), zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Stopped).To(Equal(2))

			Eventually(a.done, 5*time.Second).Should(BeClosed())
			Eventually(b.done, 5*time.Second).Should(BeClosed())
			Expect(registry.GetAll()).To(BeEmpty())
		})
	})
})
