package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nobody-qwert/cline-local/internal/cache"
	"github.com/nobody-qwert/cline-local/internal/event"
	"github.com/nobody-qwert/cline-local/internal/storage"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

const testDelay = 30 * time.Millisecond

var _ = Describe("Service", func() {
	var (
		ctx   context.Context
		store *recordingStore
		svc   *cache.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newRecordingStore()
		svc = cache.New(store, cache.WithDelay(testDelay))
	})

	Describe("before Initialize", func() {
		It("panics on reads", func() {
			Expect(func() { svc.Get(cache.Global, "mode") }).To(PanicWith(cache.ErrNotInitialized))
		})

		It("panics on writes", func() {
			Expect(func() { _ = svc.Set(cache.Global, "mode", "plan") }).To(PanicWith(cache.ErrNotInitialized))
		})

		It("panics on the api configuration", func() {
			Expect(func() { svc.APIConfiguration() }).To(PanicWith(cache.ErrNotInitialized))
		})
	})

	Describe("Initialize", func() {
		It("loads persisted values", func() {
			store.seed(storage.NamespaceGlobal, "lmStudioBaseUrl", `"http://box:1234"`)
			store.seed(storage.NamespaceSecret, "ollamaApiKey", `"sk-1"`)
			Expect(svc.Initialize(ctx)).To(Succeed())

			v, ok := cache.GetValue[string](svc, cache.Global, "lmStudioBaseUrl")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("http://box:1234"))
			Expect(svc.GetSecret("ollamaApiKey")).To(Equal("sk-1"))
		})

		It("fills defaults without marking them dirty", func() {
			Expect(svc.Initialize(ctx)).To(Succeed())

			Expect(svc.Mode()).To(Equal(types.ModeAct))
			effort, _ := cache.GetValue[string](svc, cache.Global, cache.KeyReasoningEffort)
			Expect(effort).To(Equal("medium"))
			provider, _ := cache.GetValue[string](svc, cache.Global, cache.KeyActModeAPIProvider)
			Expect(provider).To(Equal("lmstudio"))
			separate, _ := cache.GetValue[bool](svc, cache.Global, cache.KeyPlanActSeparateModels)
			Expect(separate).To(BeFalse())
			newUser, _ := cache.GetValue[bool](svc, cache.Global, cache.KeyIsNewUser)
			Expect(newUser).To(BeTrue())

			Expect(svc.Pending(cache.Global)).To(BeEmpty())
			Consistently(func() int { return len(store.callsFor(storage.NamespaceGlobal)) }, 3*testDelay).Should(BeZero())
		})

		It("derives act provider and separate models from a persisted plan provider", func() {
			store.seed(storage.NamespaceGlobal, "planModeApiProvider", `"ollama"`)
			Expect(svc.Initialize(ctx)).To(Succeed())

			cfg := svc.APIConfiguration()
			Expect(cfg.PlanModeAPIProvider).To(Equal(types.ProviderOllama))
			Expect(cfg.ActModeAPIProvider).To(Equal(types.ProviderOllama))
			separate, _ := cache.GetValue[bool](svc, cache.Global, cache.KeyPlanActSeparateModels)
			Expect(separate).To(BeTrue())
		})
	})

	Describe("Set", func() {
		BeforeEach(func() {
			Expect(svc.Initialize(ctx)).To(Succeed())
		})

		It("is visible to Get immediately", func() {
			Expect(svc.Set(cache.Global, "lmStudioBaseUrl", "http://a")).To(Succeed())
			v, ok := cache.GetValue[string](svc, cache.Global, "lmStudioBaseUrl")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("http://a"))
			Expect(store.callsFor(storage.NamespaceGlobal)).To(BeEmpty())
		})

		It("coalesces a burst of writes into one batch with final values", func() {
			Expect(svc.Set(cache.Global, "a", 1)).To(Succeed())
			Expect(svc.Set(cache.Global, "b", 2)).To(Succeed())
			Expect(svc.Set(cache.Global, "a", 3)).To(Succeed())

			Eventually(func() int { return len(store.callsFor(storage.NamespaceGlobal)) }).Should(Equal(1))
			Consistently(func() int { return len(store.callsFor(storage.NamespaceGlobal)) }, 3*testDelay).Should(Equal(1))

			call := store.callsFor(storage.NamespaceGlobal)[0]
			Expect(call.updates).To(HaveLen(2))
			Expect(string(call.updates["a"])).To(Equal("3"))
			Expect(string(call.updates["b"])).To(Equal("2"))
			Expect(svc.Pending(cache.Global)).To(BeEmpty())
		})

		It("flushes all namespaces in one pass", func() {
			Expect(svc.Set(cache.Global, "g", true)).To(Succeed())
			svc.SetSecret("ollamaApiKey", "sk")
			Expect(svc.SetWorkspaceState("w", "x")).To(Succeed())

			Eventually(func() int { return len(store.callsFor(storage.NamespaceWorkspace)) }).Should(Equal(1))
			Expect(store.callsFor(storage.NamespaceGlobal)).To(HaveLen(1))
			Expect(store.callsFor(storage.NamespaceSecret)).To(HaveLen(1))
		})

		It("persists deletions", func() {
			store.seed(storage.NamespaceSecret, "ollamaApiKey", `"old"`)
			Expect(svc.Reinitialize(ctx)).To(Succeed())

			svc.SetSecret("ollamaApiKey", "")
			Expect(svc.GetSecret("ollamaApiKey")).To(BeEmpty())
			Eventually(func() bool {
				_, ok := store.stored(storage.NamespaceSecret, "ollamaApiKey")
				return ok
			}).Should(BeFalse())
		})
	})

	Describe("flush failure", func() {
		var failures atomic.Int32

		BeforeEach(func() {
			failures.Store(0)
			svc = cache.New(store, cache.WithDelay(testDelay), cache.WithErrorObserver(func(err error) {
				failures.Add(1)
			}))
			Expect(svc.Initialize(ctx)).To(Succeed())
		})

		It("keeps keys dirty and notifies the observer", func() {
			store.setFail(true)
			Expect(svc.Set(cache.Global, "k", "v1")).To(Succeed())

			Eventually(failures.Load).Should(BeNumerically(">=", 1))
			Expect(svc.Pending(cache.Global)).To(ConsistOf("k"))
			Expect(svc.FlushFailures()).To(BeNumerically(">=", 1))

			// The next write retries the failed key with its current value.
			store.setFail(false)
			Expect(svc.Set(cache.Global, "other", 1)).To(Succeed())
			Eventually(func() []string { return svc.Pending(cache.Global) }).Should(BeEmpty())

			v, ok := store.stored(storage.NamespaceGlobal, "k")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(`"v1"`))
		})

		It("retries on its own once the store recovers", func() {
			store.setFail(true)
			Expect(svc.Set(cache.Global, "k", "v1")).To(Succeed())
			Eventually(failures.Load).Should(BeNumerically(">=", 2))
			Expect(svc.Pending(cache.Global)).To(ConsistOf("k"))

			store.setFail(false)
			Eventually(func() []string { return svc.Pending(cache.Global) }, 2*time.Second).Should(BeEmpty())
			v, ok := store.stored(storage.NamespaceGlobal, "k")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(`"v1"`))
			Expect(svc.FlushFailures()).To(BeZero())
		})

		It("Reinitialize drops pending writes and reloads", func() {
			store.setFail(true)
			Expect(svc.Set(cache.Global, "k", "lost")).To(Succeed())
			Eventually(failures.Load).Should(BeNumerically(">=", 1))

			Expect(svc.Reinitialize(ctx)).To(Succeed())
			Expect(svc.Pending(cache.Global)).To(BeEmpty())
			_, ok := svc.Get(cache.Global, "k")
			Expect(ok).To(BeFalse())

			store.setFail(false)
			Consistently(func() bool {
				_, ok := store.stored(storage.NamespaceGlobal, "k")
				return ok
			}, 5*testDelay).Should(BeFalse())
		})

		It("does not retry after Close", func() {
			store.setFail(true)
			Expect(svc.Set(cache.Global, "k", 1)).To(Succeed())
			Expect(svc.Close(ctx)).To(MatchError(ContainSubstring("disk full")))

			seen := failures.Load()
			Consistently(failures.Load, 5*testDelay).Should(Equal(seen))
		})
	})

	Describe("Close", func() {
		It("flushes pending keys without waiting for the timer", func() {
			svc = cache.New(store, cache.WithDelay(time.Hour))
			Expect(svc.Initialize(ctx)).To(Succeed())
			Expect(svc.Set(cache.Global, "k", 1)).To(Succeed())

			Expect(svc.Close(ctx)).To(Succeed())
			v, ok := store.stored(storage.NamespaceGlobal, "k")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("1"))
		})
	})

	Describe("APIConfiguration", func() {
		BeforeEach(func() {
			Expect(svc.Initialize(ctx)).To(Succeed())
		})

		It("writes only provided fields and routes the api key to secrets", func() {
			Expect(svc.SetGlobalState("lmStudioBaseUrl", "http://keep")).To(Succeed())

			err := svc.SetAPIConfiguration(types.APIConfiguration{
				ActModeLMStudioModelID:      "qwen3-8b",
				ActModeThinkingBudgetTokens: 2048,
				OllamaAPIKey:                "sk-secret",
				PlanIdeaModeEnabled:         types.Ptr(false),
			})
			Expect(err).NotTo(HaveOccurred())

			cfg := svc.APIConfiguration()
			Expect(cfg.LMStudioBaseURL).To(Equal("http://keep"))
			Expect(cfg.ActModeLMStudioModelID).To(Equal("qwen3-8b"))
			Expect(cfg.ActModeThinkingBudgetTokens).To(Equal(2048))
			Expect(cfg.OllamaAPIKey).To(Equal("sk-secret"))
			Expect(cfg.PlanIdeaModeEnabled).To(HaveValue(BeFalse()))
			Expect(cfg.OpenAIReasoningEffort).To(Equal(types.ReasoningEffortMedium))

			_, inGlobal := svc.GetGlobalState("ollamaApiKey")
			Expect(inGlobal).To(BeFalse())
			Expect(svc.GetSecret("ollamaApiKey")).To(Equal("sk-secret"))
		})
	})

	Describe("reset", func() {
		It("ResetGlobalState removes persisted keys and restores defaults", func() {
			store.seed(storage.NamespaceGlobal, "mode", `"plan"`)
			store.seed(storage.NamespaceSecret, "ollamaApiKey", `"sk"`)
			Expect(svc.Initialize(ctx)).To(Succeed())
			Expect(svc.Mode()).To(Equal(types.ModePlan))

			Expect(svc.ResetGlobalState(ctx)).To(Succeed())
			Expect(svc.Mode()).To(Equal(types.ModeAct))
			Expect(svc.GetSecret("ollamaApiKey")).To(BeEmpty())
			_, ok := store.stored(storage.NamespaceGlobal, "mode")
			Expect(ok).To(BeFalse())
		})

		It("ResetWorkspaceState leaves global state alone", func() {
			store.seed(storage.NamespaceGlobal, "mode", `"plan"`)
			store.seed(storage.NamespaceWorkspace, "w", `1`)
			Expect(svc.Initialize(ctx)).To(Succeed())

			Expect(svc.ResetWorkspaceState(ctx)).To(Succeed())
			Expect(svc.Keys(cache.Workspace)).To(BeEmpty())
			Expect(svc.Mode()).To(Equal(types.ModePlan))
		})

		It("ResetWorkspaceState keeps unflushed global writes", func() {
			svc = cache.New(store, cache.WithDelay(time.Hour))
			Expect(svc.Initialize(ctx)).To(Succeed())
			Expect(svc.SetGlobalState("kept", "yes")).To(Succeed())
			Expect(svc.SetWorkspaceState("w", 1)).To(Succeed())

			Expect(svc.ResetWorkspaceState(ctx)).To(Succeed())

			v, ok := cache.GetValue[string](svc, cache.Global, "kept")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("yes"))
			Expect(svc.Pending(cache.Global)).To(ConsistOf("kept"))
			Expect(svc.Pending(cache.Workspace)).To(BeEmpty())
			Expect(svc.Keys(cache.Workspace)).To(BeEmpty())

			Expect(svc.Close(ctx)).To(Succeed())
			stored, ok := store.stored(storage.NamespaceGlobal, "kept")
			Expect(ok).To(BeTrue())
			Expect(stored).To(Equal(`"yes"`))
			_, ok = store.stored(storage.NamespaceWorkspace, "w")
			Expect(ok).To(BeFalse())
		})

		It("ResetGlobalState keeps unflushed workspace writes", func() {
			svc = cache.New(store, cache.WithDelay(time.Hour))
			Expect(svc.Initialize(ctx)).To(Succeed())
			Expect(svc.SetWorkspaceState("w", 1)).To(Succeed())
			Expect(svc.SetGlobalState("mode", "plan")).To(Succeed())

			Expect(svc.ResetGlobalState(ctx)).To(Succeed())

			Expect(svc.Mode()).To(Equal(types.ModeAct))
			Expect(svc.Pending(cache.Global)).To(BeEmpty())
			Expect(svc.Pending(cache.Workspace)).To(ConsistOf("w"))

			Expect(svc.Close(ctx)).To(Succeed())
			stored, ok := store.stored(storage.NamespaceWorkspace, "w")
			Expect(ok).To(BeTrue())
			Expect(stored).To(Equal("1"))
		})
	})

	Describe("on the OS filesystem", func() {
		var dir string

		BeforeEach(func() {
			dir = filepath.Join(GinkgoT().TempDir(), "fresh")
		})

		newDiskService := func() *cache.Service {
			st := storage.NewStateStore(storage.New(nil, dir))
			return cache.New(st, cache.WithDelay(testDelay))
		}

		It("flushes into a directory that does not exist yet", func() {
			svc = newDiskService()
			Expect(svc.Initialize(ctx)).To(Succeed())
			Expect(svc.SetGlobalState("lmStudioBaseUrl", "http://box:1234")).To(Succeed())
			svc.SetSecret(cache.KeyOllamaAPIKey, "sk-disk")

			Eventually(func() []string { return svc.Pending(cache.Global) }).Should(BeEmpty())
			Eventually(func() []string { return svc.Pending(cache.Secret) }).Should(BeEmpty())
			Expect(svc.FlushFailures()).To(BeZero())

			info, err := os.Stat(filepath.Join(dir, "state", "secrets.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))

			reloaded := newDiskService()
			Expect(reloaded.Initialize(ctx)).To(Succeed())
			Expect(reloaded.APIConfiguration().LMStudioBaseURL).To(Equal("http://box:1234"))
			Expect(reloaded.GetSecret(cache.KeyOllamaAPIKey)).To(Equal("sk-disk"))
		})
	})

	Describe("events", func() {
		It("publishes persisted keys", func() {
			bus := event.NewBus()
			defer bus.Close()

			persisted := make(chan event.StatePersistData, 4)
			bus.Subscribe(event.StatePersisted, func(e event.Event) {
				persisted <- e.Data.(event.StatePersistData)
			})

			svc = cache.New(store, cache.WithDelay(testDelay), cache.WithBus(bus))
			Expect(svc.Initialize(ctx)).To(Succeed())
			Expect(svc.Set(cache.Global, "k", 1)).To(Succeed())

			var data event.StatePersistData
			Eventually(persisted).Should(Receive(&data))
			Expect(data.Namespace).To(Equal("global"))
			Expect(data.Keys).To(ConsistOf("k"))
		})
	})
})
