package batch_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/imagewatch/pkg/batch"
	"github.com/lissto-dev/imagewatch/pkg/store/sqlite"
)

var _ = Describe("Scheduler", func() {
	var (
		ctx   context.Context
		mock  *clock.Mock
		store *sqlite.Store
		sched *batch.Scheduler
	)

	newScheduler := func(opts ...batch.Option) *batch.Scheduler {
		return batch.NewScheduler(store, batch.DefaultConfig(), append([]batch.Option{batch.WithClock(mock)}, opts...)...)
	}

	// blockingJob returns a job that waits for release and reports each start on started
	blockingJob := func(started chan<- batch.Run, release <-chan struct{}) batch.JobFunc {
		return func(ctx context.Context, run batch.Run, log *batch.LogBuffer) (batch.Result, error) {
			started <- run
			<-release
			log.Add("released")
			return batch.Result{Checked: 3, Updated: 1}, nil
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

		var err error
		store, err = sqlite.Open(filepath.Join(GinkgoT().TempDir(), "runs.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		sched = newScheduler()
	})

	It("runs a job in the background and records the result", func() {
		sched.Register(batch.JobUpdateCheck, func(ctx context.Context, run batch.Run, log *batch.LogBuffer) (batch.Result, error) {
			log.Addf("checking run %d", run.ID)
			return batch.Result{Checked: 5, Updated: 2}, nil
		})

		res, err := sched.StartJob(ctx, batch.JobUpdateCheck, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.AlreadyRunning).To(BeFalse())
		Expect(res.RunID).NotTo(BeZero())
		sched.Wait()

		run, err := sched.LatestRun(ctx, batch.JobUpdateCheck)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.ID).To(Equal(res.RunID))
		Expect(run.Status).To(Equal(batch.StatusCompleted))
		Expect(run.IsManual).To(BeTrue())
		Expect(run.CheckedCount).To(Equal(5))
		Expect(run.UpdatedCount).To(Equal(2))
		Expect(run.ErrorMessage).To(BeEmpty())
		Expect(run.CompletedAt).NotTo(BeNil())
		Expect(run.LogText).To(ContainSubstring("[2025-03-01T12:00:00Z] Starting update_check run"))
		Expect(run.LogText).To(ContainSubstring("checking run"))
		Expect(run.LogText).To(ContainSubstring("Completed: checked 5, updates 2"))
	})

	It("rejects unregistered job types", func() {
		_, err := sched.StartJob(ctx, "reindex", false)
		Expect(err).To(MatchError(batch.ErrUnknownJobType))
	})

	It("blocks a second run of the same type but not of another type", func() {
		started := make(chan batch.Run, 4)
		release := make(chan struct{})
		sched.Register(batch.JobUpdateCheck, blockingJob(started, release))
		sched.Register(batch.JobHistoryPrune, blockingJob(started, release))

		x, err := sched.StartJob(ctx, batch.JobUpdateCheck, false)
		Expect(err).NotTo(HaveOccurred())
		Eventually(started).Should(Receive())

		again, err := sched.StartJob(ctx, batch.JobUpdateCheck, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.AlreadyRunning).To(BeTrue())
		Expect(again.ExistingRunID).To(Equal(x.RunID))

		y, err := sched.StartJob(ctx, batch.JobHistoryPrune, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(y.AlreadyRunning).To(BeFalse())
		Eventually(started).Should(Receive())

		close(release)
		sched.Wait()

		latest, err := sched.LatestRunsByJobType(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest).To(HaveLen(2))
		Expect(latest[batch.JobUpdateCheck].Status).To(Equal(batch.StatusCompleted))
		Expect(latest[batch.JobHistoryPrune].Status).To(Equal(batch.StatusCompleted))
	})

	It("lets exactly one of many concurrent triggers start the job", func() {
		started := make(chan batch.Run, 32)
		release := make(chan struct{})
		sched.Register(batch.JobUpdateCheck, blockingJob(started, release))

		const triggers = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []batch.StartResult
		)
		for i := 0; i < triggers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				res, err := sched.StartJob(ctx, batch.JobUpdateCheck, true)
				Expect(err).NotTo(HaveOccurred())
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}()
		}
		wg.Wait()

		var winners, blocked int
		for _, r := range results {
			if r.AlreadyRunning {
				blocked++
			} else {
				winners++
			}
		}
		Expect(winners).To(Equal(1))
		Expect(blocked).To(Equal(triggers - 1))

		close(release)
		sched.Wait()
		Expect(started).To(HaveLen(1))
	})

	It("records job errors as failed runs", func() {
		sched.Register(batch.JobUpdateCheck, func(context.Context, batch.Run, *batch.LogBuffer) (batch.Result, error) {
			return batch.Result{Checked: 1}, errors.New("failed to list containers: connection refused")
		})

		_, run, err := sched.RunJob(ctx, batch.JobUpdateCheck, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(batch.StatusFailed))
		Expect(run.ErrorMessage).To(Equal("failed to list containers: connection refused"))
		Expect(run.CheckedCount).To(Equal(1))

		stored, err := sched.LatestRun(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(batch.StatusFailed))
		Expect(stored.LogText).To(ContainSubstring("Failed: failed to list containers"))
	})

	It("records a panicking job as failed and releases the lock", func() {
		sched.Register(batch.JobUpdateCheck, func(context.Context, batch.Run, *batch.LogBuffer) (batch.Result, error) {
			panic("nil map")
		})

		_, run, err := sched.RunJob(ctx, batch.JobUpdateCheck, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(batch.StatusFailed))
		Expect(run.ErrorMessage).To(ContainSubstring("job panicked: nil map"))

		res, err := sched.StartJob(ctx, batch.JobUpdateCheck, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.AlreadyRunning).To(BeFalse())
		sched.Wait()
	})

	It("does not cancel the job when the trigger context ends", func() {
		jobErr := make(chan error, 1)
		sched.Register(batch.JobUpdateCheck, func(ctx context.Context, _ batch.Run, _ *batch.LogBuffer) (batch.Result, error) {
			time.Sleep(20 * time.Millisecond)
			jobErr <- ctx.Err()
			return batch.Result{}, nil
		})

		trigger, cancel := context.WithCancel(ctx)
		_, err := sched.StartJob(trigger, batch.JobUpdateCheck, true)
		Expect(err).NotTo(HaveOccurred())
		cancel()

		sched.Wait()
		Expect(<-jobErr).NotTo(HaveOccurred())
	})

	It("fails a run that outlives the job timeout", func() {
		sched = batch.NewScheduler(store, batch.Config{JobTimeout: 20 * time.Millisecond}, batch.WithClock(mock))
		sched.Register(batch.JobUpdateCheck, func(ctx context.Context, _ batch.Run, log *batch.LogBuffer) (batch.Result, error) {
			<-ctx.Done()
			log.Add("gave up")
			return batch.Result{Checked: 1}, nil
		})

		_, run, err := sched.RunJob(ctx, batch.JobUpdateCheck, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(batch.StatusFailed))
		Expect(run.ErrorMessage).To(Equal(batch.TimeoutMessage + " of 20ms"))
		Expect(run.CheckedCount).To(Equal(1))

		stored, err := sched.LatestRun(ctx, batch.JobUpdateCheck)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(batch.StatusFailed))
		Expect(stored.ErrorMessage).To(HavePrefix(batch.TimeoutMessage))
		Expect(stored.LogText).To(ContainSubstring("gave up"))
	})

	It("calls completion hooks with the terminal run", func() {
		hooked := make(chan batch.Run, 1)
		sched = newScheduler(batch.WithCompletionHook(func(_ context.Context, run batch.Run) {
			hooked <- run
		}))
		sched.Register(batch.JobUpdateCheck, func(context.Context, batch.Run, *batch.LogBuffer) (batch.Result, error) {
			return batch.Result{Checked: 4, Updated: 4}, nil
		})

		res, err := sched.StartJob(ctx, batch.JobUpdateCheck, false)
		Expect(err).NotTo(HaveOccurred())
		sched.Wait()

		var run batch.Run
		Expect(hooked).To(Receive(&run))
		Expect(run.ID).To(Equal(res.RunID))
		Expect(run.Status).To(Equal(batch.StatusCompleted))
		Expect(run.UpdatedCount).To(Equal(4))
	})

	Describe("stale locks", func() {
		It("fails a stale running row and starts a new run", func() {
			started := make(chan batch.Run, 2)
			release := make(chan struct{})

			crashed := newScheduler(batch.WithOwner("crashed-process"))
			crashed.Register(batch.JobUpdateCheck, blockingJob(started, release))
			first, err := crashed.StartJob(ctx, batch.JobUpdateCheck, false)
			Expect(err).NotTo(HaveOccurred())
			Eventually(started).Should(Receive())

			sched.Register(batch.JobUpdateCheck, func(context.Context, batch.Run, *batch.LogBuffer) (batch.Result, error) {
				return batch.Result{}, nil
			})

			mock.Add(4 * time.Minute)
			res, err := sched.StartJob(ctx, batch.JobUpdateCheck, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.AlreadyRunning).To(BeTrue())
			Expect(res.ExistingRunID).To(Equal(first.RunID))

			mock.Add(2 * time.Minute)
			res, err = sched.StartJob(ctx, batch.JobUpdateCheck, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.AlreadyRunning).To(BeFalse())
			sched.Wait()

			close(release)
			crashed.Wait()

			reaped, err := store.GetRun(ctx, first.RunID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reaped.Status).To(Equal(batch.StatusFailed))
			Expect(reaped.ErrorMessage).To(Equal(batch.StaleRunMessage))
		})

		It("sweeps rows older than the startup threshold", func() {
			acquired, err := store.AcquireRun(ctx, batch.AcquireRequest{
				JobType:   batch.JobUpdateCheck,
				Owner:     "previous-process",
				StartedAt: mock.Now(),
			})
			Expect(err).NotTo(HaveOccurred())

			mock.Add(30 * time.Minute)
			ids, err := sched.CleanupStaleJobsOnStartup(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(BeEmpty())

			mock.Add(31 * time.Minute)
			ids, err = sched.CleanupStaleJobsOnStartup(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(ConsistOf(acquired.Run.ID))

			run, err := store.GetRun(ctx, acquired.Run.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Status).To(Equal(batch.StatusFailed))
			Expect(*run.DurationMs).To(Equal((61 * time.Minute).Milliseconds()))
		})
	})

	It("starts the job on every tick", func() {
		runs := make(chan batch.Run, 8)
		sched.Register(batch.JobHistoryPrune, func(_ context.Context, run batch.Run, _ *batch.LogBuffer) (batch.Result, error) {
			runs <- run
			return batch.Result{}, nil
		})

		tickCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			sched.Every(tickCtx, batch.JobHistoryPrune, time.Hour)
		}()

		Eventually(func() int {
			mock.Add(time.Hour)
			return len(runs)
		}).Should(BeNumerically(">=", 2))

		cancel()
		Eventually(done).Should(BeClosed())
		sched.Wait()

		run := <-runs
		Expect(run.IsManual).To(BeFalse())
	})

	It("lists recent runs newest first", func() {
		sched.Register(batch.JobUpdateCheck, func(context.Context, batch.Run, *batch.LogBuffer) (batch.Result, error) {
			return batch.Result{}, nil
		})
		for i := 0; i < 3; i++ {
			_, _, err := sched.RunJob(ctx, batch.JobUpdateCheck, false)
			Expect(err).NotTo(HaveOccurred())
			mock.Add(time.Minute)
		}

		runs, err := sched.RecentRuns(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(HaveLen(2))
		Expect(runs[0].StartedAt).To(BeTemporally(">", runs[1].StartedAt))
	})
})

var _ = Describe("PruneJob", func() {
	It("deletes terminal runs past retention", func() {
		mock := clock.NewMock()
		mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
		store, err := sqlite.Open(filepath.Join(GinkgoT().TempDir(), "prune.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		sched := batch.NewScheduler(store, batch.DefaultConfig(), batch.WithClock(mock))
		sched.Register(batch.JobUpdateCheck, func(context.Context, batch.Run, *batch.LogBuffer) (batch.Result, error) {
			return batch.Result{}, nil
		})
		sched.Register(batch.JobHistoryPrune, batch.PruneJob(store, 24*time.Hour, mock))

		_, old, err := sched.RunJob(context.Background(), batch.JobUpdateCheck, false)
		Expect(err).NotTo(HaveOccurred())
		mock.Add(48 * time.Hour)

		_, pruneRun, err := sched.RunJob(context.Background(), batch.JobHistoryPrune, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(pruneRun.Status).To(Equal(batch.StatusCompleted))
		Expect(pruneRun.CheckedCount).To(Equal(1))
		Expect(pruneRun.LogText).To(ContainSubstring("Deleted 1 runs"))

		_, err = store.GetRun(context.Background(), old.ID)
		Expect(err).To(MatchError(sqlite.ErrNotFound))
	})
})

var _ = Describe("LogBuffer", func() {
	It("renders timestamped lines in order", func() {
		mock := clock.NewMock()
		mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
		buf := batch.NewLogBuffer(mock)

		buf.Add("first")
		mock.Add(90 * time.Second)
		buf.Addf("checked %d images", 3)

		Expect(buf.Len()).To(Equal(2))
		Expect(buf.String()).To(Equal("[2025-03-01T12:00:00Z] first\n[2025-03-01T12:01:30Z] checked 3 images"))
		Expect(buf.Entries()[1].Message).To(Equal("checked 3 images"))
	})
})
