package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/imagewatch/internal/server"
	"github.com/lissto-dev/imagewatch/pkg/batch"
	"github.com/lissto-dev/imagewatch/pkg/config"
	"github.com/lissto-dev/imagewatch/pkg/response"
	"github.com/lissto-dev/imagewatch/pkg/store/sqlite"
	"github.com/lissto-dev/imagewatch/pkg/updatecheck"
)

const (
	adminKey    = "admin_key"
	operatorKey = "operator_key"
	viewerKey   = "viewer_key"
)

type recordingCache struct {
	mu      sync.Mutex
	cleared []string
	all     int
}

func (r *recordingCache) ClearCache(imageRepo, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, imageRepo+":"+tag)
}

func (r *recordingCache) ClearAllCaches() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all++
}

var _ = Describe("Server", func() {
	var (
		ctx     context.Context
		store   *sqlite.Store
		sched   *batch.Scheduler
		cache   *recordingCache
		srv     *server.Server
		keyFile string
		release chan struct{}
	)

	do := func(method, path, key, body string) (*httptest.ResponseRecorder, response.Response) {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, req)

		var resp response.Response
		if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		}
		return rec, resp
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()

		var err error
		store, err = sqlite.Open(filepath.Join(dir, "imagewatch.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		release = make(chan struct{})
		sched = batch.NewScheduler(store, batch.DefaultConfig(), batch.WithOwner("test-instance"))
		sched.Register(batch.JobUpdateCheck, func(ctx context.Context, run batch.Run, log *batch.LogBuffer) (batch.Result, error) {
			<-release
			log.Add("done")
			return batch.Result{Checked: 2, Updated: 1}, nil
		})
		DeferCleanup(func() {
			select {
			case <-release:
			default:
				close(release)
			}
			sched.Wait()
		})

		cache = &recordingCache{}
		keyFile = filepath.Join(dir, "api-keys.yaml")
		srv = server.New([]config.APIKey{
			{Name: "root", Role: "admin", APIKey: adminKey},
			{Name: "ci", Role: "operator", APIKey: operatorKey},
			{Name: "dash", Role: "viewer", APIKey: viewerKey},
		}, server.Deps{
			Scheduler:   sched,
			Store:       store,
			Registry:    cache,
			APIKeysFile: keyFile,
		}, "inst-1", &server.VersionInfo{Version: "1.2.3"})
	})

	Describe("public endpoints", func() {
		It("serves health without auth", func() {
			rec, _ := do(http.MethodGet, "/health", "", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("X-Imagewatch-Instance")).To(Equal("inst-1"))

			rec, _ = do(http.MethodGet, "/health?info=true", "", "")
			Expect(rec.Body.String()).To(ContainSubstring(`"instance_id":"inst-1"`))
		})

		It("serves prometheus metrics", func() {
			rec, _ := do(http.MethodGet, "/metrics", "", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("imagewatch_"))
		})

		It("requires an API key for the API", func() {
			rec, _ := do(http.MethodGet, "/api/v1/jobs/runs", "", "")
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(rec.Header().Get("X-Imagewatch-Version")).To(BeEmpty())
		})
	})

	Describe("jobs", func() {
		It("starts a job once and reports the running one afterwards", func() {
			rec, resp := do(http.MethodPost, "/api/v1/jobs/update_check/start", operatorKey, "")
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			Expect(resp.Success).To(BeTrue())
			runID := resp.Data.(map[string]interface{})["run_id"]
			Expect(runID).NotTo(BeNil())

			rec, resp = do(http.MethodPost, "/api/v1/jobs/update_check/start", operatorKey, "")
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(resp.Data.(map[string]interface{})["existing_run_id"]).To(Equal(runID))

			close(release)
			sched.Wait()

			rec, resp = do(http.MethodGet, "/api/v1/jobs/latest?type=update_check", viewerKey, "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			latest := resp.Data.(map[string]interface{})
			Expect(latest["status"]).To(Equal("completed"))
			Expect(latest["checked_count"]).To(BeNumerically("==", 2))
		})

		It("rejects unknown job types and viewers", func() {
			rec, _ := do(http.MethodPost, "/api/v1/jobs/reindex/start", operatorKey, "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			rec, _ = do(http.MethodPost, "/api/v1/jobs/update_check/start", viewerKey, "")
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})

		It("lists runs with logs only when detailed", func() {
			_, err := sched.StartJob(ctx, batch.JobUpdateCheck, false)
			Expect(err).NotTo(HaveOccurred())
			close(release)
			sched.Wait()

			rec, resp := do(http.MethodGet, "/api/v1/jobs/runs", viewerKey, "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			runs := resp.Data.([]interface{})
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].(map[string]interface{})).NotTo(HaveKey("log_text"))

			_, resp = do(http.MethodGet, "/api/v1/jobs/runs?format=detailed&limit=5", viewerKey, "")
			detailed := resp.Data.([]interface{})[0].(map[string]interface{})
			Expect(detailed["log"]).To(ContainElement(ContainSubstring("done")))

			rec, _ = do(http.MethodGet, "/api/v1/jobs/runs?limit=zero", viewerKey, "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 when a job type never ran", func() {
			rec, _ := do(http.MethodGet, "/api/v1/jobs/latest?type=history_prune", viewerKey, "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("images", func() {
		BeforeEach(func() {
			now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
			Expect(store.UpsertRegistryVersion(ctx, updatecheck.RegistryVersion{
				ImageRepo: "nginx", Tag: "1.27", LatestDigest: "sha256:bbb", Provider: "docker", CheckedAt: now,
			})).To(Succeed())
			for _, s := range []updatecheck.ContainerStatus{
				{ContainerID: "c1", ContainerName: "web", Image: "nginx:1.27", ImageRepo: "nginx", Tag: "1.27",
					CurrentDigest: "sha256:aaa", LatestDigest: "sha256:bbb", HasUpdate: true, CheckedAt: now},
				{ContainerID: "c2", ContainerName: "cache", Image: "redis:7", ImageRepo: "redis", Tag: "7",
					CurrentDigest: "sha256:ccc", LatestDigest: "sha256:ccc", CheckedAt: now},
			} {
				Expect(store.UpsertContainerStatus(ctx, s)).To(Succeed())
			}
		})

		It("lists container statuses", func() {
			_, resp := do(http.MethodGet, "/api/v1/images/latest", viewerKey, "")
			Expect(resp.Data.([]interface{})).To(HaveLen(2))

			_, resp = do(http.MethodGet, "/api/v1/images/latest?updates=true", viewerKey, "")
			Expect(resp.Data.([]interface{})).To(HaveLen(1))
		})

		It("returns the registry state of one image", func() {
			rec, resp := do(http.MethodGet, "/api/v1/images/latest?image=docker.io/library/nginx:1.27", viewerKey, "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(resp.Data.(map[string]interface{})["latest_digest"]).To(Equal("sha256:bbb"))

			rec, _ = do(http.MethodGet, "/api/v1/images/latest?image=nginx:1.28", viewerKey, "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("marks an image upgraded and drops its cached lookups", func() {
			rec, resp := do(http.MethodPost, "/api/v1/images/upgraded", operatorKey, `{"image":"nginx:1.27"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(resp.Data.(map[string]interface{})["updated"]).To(BeNumerically("==", 1))
			Expect(cache.cleared).To(ConsistOf("nginx:1.27"))
			Expect(cache.all).To(Equal(1))

			statuses, err := store.ContainerStatuses(ctx, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(statuses).To(BeEmpty())
		})

		It("validates upgrade requests", func() {
			rec, _ := do(http.MethodPost, "/api/v1/images/upgraded", operatorKey, `{}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec, _ = do(http.MethodPost, "/api/v1/images/upgraded", operatorKey, `{"image":"nginx:1.27","digest":"sha256:xyz"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec, _ = do(http.MethodPost, "/api/v1/images/upgraded", viewerKey, `{"image":"nginx:1.27"}`)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})
	})

	Describe("tokens", func() {
		It("stores tokens for lookups", func() {
			rec, _ := do(http.MethodPut, "/api/v1/tokens", adminKey,
				`{"registry":"GHCR.io","repository":"owner/app","username":"bot","token":"ghp_x"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(cache.all).To(Equal(1))

			creds, ok, err := store.RepositoryToken(ctx, "someone", "ghcr.io", "owner/app")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(creds.Token).To(Equal("ghp_x"))

			rec, _ = do(http.MethodDelete, "/api/v1/tokens", adminKey, `{"registry":"ghcr.io","repository":"owner/app"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec, _ = do(http.MethodDelete, "/api/v1/tokens", adminKey, `{"registry":"ghcr.io","repository":"owner/app"}`)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("is admin only", func() {
			rec, _ := do(http.MethodPut, "/api/v1/tokens", operatorKey,
				`{"registry":"ghcr.io","repository":"owner/app","token":"ghp_x"}`)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})
	})

	Describe("API keys", func() {
		It("creates keys that work immediately and are saved", func() {
			rec, resp := do(http.MethodPost, "/api/v1/_internal/api-keys", adminKey, `{"name":"grafana","role":"viewer"}`)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			newKey := resp.Data.(map[string]interface{})["api_key"].(string)
			Expect(newKey).To(HavePrefix("viewer_"))

			rec, resp = do(http.MethodGet, "/api/v1/user/me", newKey, "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(resp.Data.(map[string]interface{})["role"]).To(Equal("viewer"))
			Expect(rec.Header().Get("X-Imagewatch-Version")).To(Equal("1.2.3"))

			saved, err := config.LoadAPIKeys(keyFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(saved).To(HaveLen(4))
		})

		It("rejects duplicates, bad roles and non-admins", func() {
			rec, _ := do(http.MethodPost, "/api/v1/_internal/api-keys", adminKey, `{"name":"ci","role":"viewer"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec, _ = do(http.MethodPost, "/api/v1/_internal/api-keys", adminKey, `{"name":"x","role":"root"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec, _ = do(http.MethodPost, "/api/v1/_internal/api-keys", operatorKey, `{"name":"x","role":"viewer"}`)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})
	})
})
