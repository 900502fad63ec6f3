package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"schoolchat/internal/api"
	"schoolchat/pkg/errutil"
)

var _ = Describe("Channel messaging", func() {
	var env *testEnv

	BeforeEach(func() {
		env = setupTestEnv()
		DeferCleanup(env.cleanup)
	})

	Describe("fan-out within a channel", func() {
		It("delivers one copy to every member, sender included", func() {
			x := env.session("Ana", "group:G1")
			y := env.session("Ben", "group:G1")

			sent, err := x.Send(env.ctx, "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(sent.Content).To(Equal("hello"))
			Expect(sent.User).To(Equal("Ana"))

			got := receive(y)
			Expect(got.ID).To(Equal(sent.ID))
			Expect(got.Content).To(Equal("hello"))
			Expect(got.User).To(Equal("Ana"))

			Expect(receive(x).ID).To(Equal(sent.ID))
			expectSilence(x, y)
		})

		It("keeps one total order that every member observes", func() {
			x := env.session("Ana", "group:G1")
			y := env.session("Ben", "group:G1")

			for _, body := range []string{"one", "two", "three", "four"} {
				_, err := x.Send(env.ctx, body)
				Expect(err).NotTo(HaveOccurred())
			}

			var contents []string
			for range 4 {
				contents = append(contents, receive(y).Content)
			}
			Expect(contents).To(Equal([]string{"one", "two", "three", "four"}))

			history, err := y.LoadHistory(env.ctx, "group:G1")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(4))
			for i := 1; i < len(history); i++ {
				Expect(history[i].Seq).To(BeNumerically(">", history[i-1].Seq))
				Expect(history[i].Timestamp).NotTo(BeTemporally("<", history[i-1].Timestamp))
			}
		})
	})

	Describe("channel isolation", func() {
		It("does not deliver group messages to a year channel member", func() {
			x := env.session("Ana", "group:G1")
			z := env.session("Zoe", "year:3")

			_, err := x.Send(env.ctx, "group only")
			Expect(err).NotTo(HaveOccurred())

			expectSilence(z)
			history, err := z.LoadHistory(env.ctx, "year:3")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(BeEmpty())
		})

		It("stops delivery from the old channel after switching", func() {
			x := env.session("Ana", "group:G1")
			y := env.session("Ben", "group:G1")

			Expect(y.Open(env.ctx, "year:3")).To(Succeed())
			Expect(y.Channel()).To(Equal("year:3"))

			_, err := x.Send(env.ctx, "still in G1")
			Expect(err).NotTo(HaveOccurred())
			expectSilence(y)

			sent, err := y.Send(env.ctx, "now in year 3")
			Expect(err).NotTo(HaveOccurred())
			Expect(sent.ChannelID).To(Equal("year:3"))
		})
	})

	Describe("joining", func() {
		It("does not replay earlier messages", func() {
			x := env.session("Ana", "group:G1")
			_, err := x.Send(env.ctx, "before Ben")
			Expect(err).NotTo(HaveOccurred())

			y := env.session("Ben", "group:G1")
			expectSilence(y)

			history, err := y.LoadHistory(env.ctx, "group:G1")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(1))
			Expect(history[0].Content).To(Equal("before Ben"))
		})

		It("treats reopening the same channel as a no-op", func() {
			x := env.session("Ana", "group:G1")
			Expect(x.Open(env.ctx, "group:G1")).To(Succeed())
			Expect(env.registry.MembersOf("group:G1")).To(HaveLen(1))
		})

		It("resolves channel ids from a user profile", func() {
			body := strings.NewReader(`{"group":"G1","anne_scolaire":"2025-2026"}`)
			resp, err := http.Post(env.server.URL+"/api/channels/resolve", "application/json", body)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var resolved api.ResolveResponse
			Expect(json.NewDecoder(resp.Body).Decode(&resolved)).To(Succeed())
			Expect(resolved.GroupChannelID).To(Equal("group:G1"))
			Expect(resolved.YearChannelID).To(Equal("year:2025-2026"))

			x := env.session("Ana", resolved.YearChannelID)
			Expect(x.Channel()).To(Equal("year:2025-2026"))
		})
	})

	Describe("empty messages", func() {
		It("rejects an empty body at the store and keeps history unchanged", func() {
			_, err := env.store.Append(env.ctx, "group:G1", "Ana", "ref-Ana", "")
			Expect(errutil.Code(err)).To(Equal(errutil.CodeMessageEmpty))

			history, err := env.store.History(env.ctx, "group:G1", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(BeEmpty())
		})

		It("rejects a blank body in the session before it reaches the hub", func() {
			x := env.session("Ana", "group:G1")
			y := env.session("Ben", "group:G1")

			_, err := x.Send(env.ctx, "   ")
			Expect(errutil.Code(err)).To(Equal(errutil.CodeMessageEmpty))
			expectSilence(x, y)
		})
	})

	Describe("store outage", func() {
		It("reports the failure to the sender only", func() {
			x := env.session("Ana", "group:G1")
			y := env.session("Ben", "group:G1")
			env.backend.SetUnavailable(true)

			_, err := x.Send(env.ctx, "lost")
			Expect(errutil.IsStoreUnavailable(err)).To(BeTrue())
			Expect(errutil.IsRetryable(err)).To(BeTrue())
			expectSilence(x, y)

			_, err = y.LoadHistory(env.ctx, "group:G1")
			Expect(errutil.IsStoreUnavailable(err)).To(BeTrue())

			env.backend.SetUnavailable(false)
			sent, err := x.Send(env.ctx, "recovered")
			Expect(err).NotTo(HaveOccurred())
			Expect(receive(y).ID).To(Equal(sent.ID))
		})
	})

	Describe("history", func() {
		It("returns prior messages oldest first", func() {
			for _, body := range []string{"m1", "m2", "m3"} {
				_, err := env.store.Append(env.ctx, "group:G1", "Ana", "ref-Ana", body)
				Expect(err).NotTo(HaveOccurred())
				time.Sleep(time.Millisecond)
			}

			x := env.session("Ben", "")
			history, err := x.LoadHistory(env.ctx, "group:G1")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(3))
			Expect([]string{history[0].Content, history[1].Content, history[2].Content}).
				To(Equal([]string{"m1", "m2", "m3"}))
			Expect(history[0].Timestamp).To(BeTemporally("<", history[1].Timestamp))
			Expect(history[1].Timestamp).To(BeTemporally("<", history[2].Timestamp))
		})

		It("loads a year channel whose value contains a slash", func() {
			x := env.session("Ana", "year:2023/2024")
			y := env.session("Ben", "year:2023/2024")

			sent, err := x.Send(env.ctx, "rentree")
			Expect(err).NotTo(HaveOccurred())
			Expect(receive(y).ID).To(Equal(sent.ID))

			history, err := y.LoadHistory(env.ctx, "year:2023/2024")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(1))
			Expect(history[0].ID).To(Equal(sent.ID))
			Expect(history[0].ChannelID).To(Equal("year:2023/2024"))
		})

		It("serves the most recent messages when a limit is given", func() {
			for _, body := range []string{"m1", "m2", "m3"} {
				_, err := env.store.Append(env.ctx, "group:G1", "Ana", "", body)
				Expect(err).NotTo(HaveOccurred())
			}

			resp, err := http.Get(env.server.URL + "/api/channels/group:G1/messages?limit=2")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var buf bytes.Buffer
			_, err = buf.ReadFrom(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.String()).To(ContainSubstring(`"m2"`))
			Expect(buf.String()).To(ContainSubstring(`"m3"`))
			Expect(buf.String()).NotTo(ContainSubstring(`"m1"`))
		})
	})
})
