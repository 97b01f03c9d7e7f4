package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

func testPNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.Black)
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]any{"role": "assistant", "content": content, "refusal": nil},
			"finish_reason": "stop",
		}},
	}
}

const receiptJSON = `{"merchant_name":"ICA Nära","date":"2024-02-03","time":null,"total_amount":59.9,"currency":"SEK",
"expense_category":"Mat/Dryck","items":[{"description":"Mjölk","price":19.9},{"description":"Bröd","price":40}],
"payment_method":"Kort","confidence_score":0.91,"requires_manual_review":false}`

var _ = Describe("OpenAI", func() {
	var (
		upstream *ghttp.Server
		scanner  *OpenAI
		models   *Models
		slept    []time.Duration
		upload   []byte
		model    string
		data     *ReceiptData
		err      error
	)

	BeforeEach(func() {
		upstream = ghttp.NewServer()
		models = NewModels()
		slept = nil
		upload = testPNG(40, 20)
		model = ""

		backoff := NewBackoff(DefaultPolicy())
		backoff.Sleep = func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}

		scanner, err = NewOpenAI(OpenAIOptions{
			Endpoint: upstream.URL() + "/v1/chat/completions",
			APIKey:   "sk-test",
			Models:   models,
			Backoff:  backoff,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		upstream.Close()
	})

	JustBeforeEach(func() {
		data, err = scanner.ScanReceipt(context.Background(), upload, "image/png", model)
	})

	When("the endpoint answers with a record", func() {
		var request chatRequest

		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer sk-test"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					body, _ := io.ReadAll(r.Body)
					Expect(json.Unmarshal(body, &request)).To(Succeed())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, completion(receiptJSON)),
			))
		})

		It("should return the parsed record", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(data.MerchantName).To(Equal("ICA Nära"))
			Expect(data.Items).To(HaveLen(2))
			Expect(data.PaymentMethod).To(HaveValue(Equal("Kort")))
		})

		It("should use the default model and its token ceiling", func() {
			Expect(request.Model).To(Equal(DefaultModelID))
			Expect(request.MaxCompletionTokens).To(Equal(50000))
		})

		It("should send a strict json_schema response format", func() {
			Expect(request.ResponseFormat.Type).To(Equal("json_schema"))
			Expect(request.ResponseFormat.JSONSchema.Name).To(Equal(SchemaName))
			Expect(request.ResponseFormat.JSONSchema.Strict).To(BeTrue())
			Expect(string(request.ResponseFormat.JSONSchema.Schema)).To(MatchJSON(string(ReceiptSchema())))
		})

		It("should inline the image as a base64 data URL next to the prompt", func() {
			Expect(request.Messages).To(HaveLen(1))
			parts := request.Messages[0].Content
			Expect(parts).To(HaveLen(2))
			Expect(parts[0].Type).To(Equal("text"))
			Expect(parts[0].Text).To(ContainSubstring("merchant_name"))
			Expect(parts[1].Type).To(Equal("image_url"))
			Expect(parts[1].ImageURL.URL).To(Equal("data:image/png;base64," + base64.StdEncoding.EncodeToString(upload)))
		})
	})

	When("a standard-tier model is selected", func() {
		var request chatRequest

		BeforeEach(func() {
			model = "gpt-4o-mini-2024-07-18"
			upstream.AppendHandlers(ghttp.CombineHandlers(
				func(w http.ResponseWriter, r *http.Request) {
					Expect(json.NewDecoder(r.Body).Decode(&request)).To(Succeed())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, completion(receiptJSON)),
			))
		})

		It("should use the standard token ceiling", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(request.Model).To(Equal("gpt-4o-mini-2024-07-18"))
			Expect(request.MaxCompletionTokens).To(Equal(4000))
		})
	})

	When("the endpoint fails with 500 three times", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(
				ghttp.RespondWith(http.StatusInternalServerError, "boom 1"),
				ghttp.RespondWith(http.StatusInternalServerError, "boom 2"),
				ghttp.RespondWith(http.StatusInternalServerError, "boom 3"),
			)
		})

		It("should make exactly three calls and surface the last error", func() {
			Expect(upstream.ReceivedRequests()).To(HaveLen(3))
			var statusErr *StatusError
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(statusErr.Body).To(Equal("boom 3"))
			Expect(slept).To(Equal([]time.Duration{time.Second, 2 * time.Second}))
		})
	})

	When("the endpoint rate limits once", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(
				ghttp.RespondWith(http.StatusTooManyRequests, "slow down", http.Header{"Retry-After": []string{"2"}}),
				ghttp.RespondWithJSONEncoded(http.StatusOK, completion(receiptJSON)),
			)
		})

		It("should wait the hinted time and succeed on the next attempt", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(slept).To(Equal([]time.Duration{2 * time.Second}))
			Expect(upstream.ReceivedRequests()).To(HaveLen(2))
		})
	})

	When("the endpoint rejects the model", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWith(http.StatusBadRequest, `{"error":{"message":"model not found"}}`))
		})

		It("should not retry", func() {
			Expect(upstream.ReceivedRequests()).To(HaveLen(1))
			var statusErr *StatusError
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(statusErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(statusErr.Body).To(ContainSubstring("model not found"))
		})
	})

	When("the model runs out of tokens", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"choices": []map[string]any{{
					"message":       map[string]any{"content": `{"merchant_name":"IC`},
					"finish_reason": "length",
				}},
			}))
		})

		It("should return a TruncatedError", func() {
			var truncated *TruncatedError
			Expect(errors.As(err, &truncated)).To(BeTrue())
			Expect(truncated.Model).To(Equal(DefaultModelID))
		})
	})

	When("the upload is not an image", func() {
		BeforeEach(func() {
			upload = []byte("plain text")
		})

		It("should fail before calling the endpoint", func() {
			Expect(err).To(MatchError(ErrUnsupportedImage))
			Expect(upstream.ReceivedRequests()).To(BeEmpty())
		})
	})
})

var _ = Describe("OpenAI progressive timeouts", func() {
	var (
		upstream *ghttp.Server
		scanner  *OpenAI
		release  chan struct{}
	)

	BeforeEach(func() {
		upstream = ghttp.NewServer()
		upstream.SetAllowUnhandledRequests(true)
		release = make(chan struct{})

		models := NewModels()
		models.AttemptTimeout = map[string]time.Duration{"default": 50 * time.Millisecond}

		var err error
		scanner, err = NewOpenAI(OpenAIOptions{
			Endpoint: upstream.URL(),
			Models:   models,
			Backoff:  NewBackoff(DefaultPolicy()),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		close(release)
		upstream.Close()
	})

	It("should time out each attempt and report the last deadline", func() {
		upstream.RouteToHandler(http.MethodPost, "/", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})

		start := time.Now()
		_, err := scanner.ScanReceipt(context.Background(), testPNG(10, 10), "image/png", "")

		var timeoutErr *TimeoutError
		Expect(errors.As(err, &timeoutErr)).To(BeTrue())
		Expect(timeoutErr.Attempt).To(Equal(3))
		Expect(timeoutErr.Timeout).To(Equal(150 * time.Millisecond))
		Expect(time.Since(start)).To(BeNumerically(">=", 300*time.Millisecond))
		Expect(upstream.ReceivedRequests()).To(HaveLen(3))
	})

	It("should omit the bearer header when no key is configured", func() {
		upstream.RouteToHandler(http.MethodPost, "/", ghttp.CombineHandlers(
			func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Header.Get("Authorization")).To(BeEmpty())
			},
			ghttp.RespondWithJSONEncoded(http.StatusOK, completion(strings.ReplaceAll(receiptJSON, "\n", ""))),
		))

		data, err := scanner.ScanReceipt(context.Background(), testPNG(10, 10), "image/png", "llava")
		Expect(err).NotTo(HaveOccurred())
		Expect(data.MerchantName).To(Equal("ICA Nära"))
	})
})
