package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/xuri/excelize/v2"

	"github.com/zombor/kvitto-ocr/internal/cache"
	"github.com/zombor/kvitto-ocr/internal/export"
	"github.com/zombor/kvitto-ocr/internal/scanning"
)

// mockIDGenerator is a mock implementation of IDGenerator
type mockIDGenerator struct {
	id string
}

func (m *mockIDGenerator) Generate() string {
	return m.id
}

type uploadPart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func multipartBody(parts []uploadPart, fields map[string]string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, p.field, p.filename))
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		part, err := writer.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(p.data)
		Expect(err).NotTo(HaveOccurred())
	}
	for k, v := range fields {
		Expect(writer.WriteField(k, v)).To(Succeed())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeBody(resp *http.Response) map[string]any {
	defer resp.Body.Close()
	var out map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return out
}

func testPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Server", func() {
	var (
		scanner     *mockScanner
		service     *Service
		server      *Server
		opts        ServerOptions
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service = NewServiceWithDeps(scanner, scanning.NewModels(),
			cache.New[*scanning.ReceiptData](cache.Options{}), newTestValidator(), KeyMetadata,
			&mockTimeSource{now: testNow, step: 100 * time.Millisecond})
		server = NewServerWithMux(service, opts, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)
	}

	BeforeEach(func() {
		scanner = newMockScanner()
		opts = ServerOptions{Version: "1.2.3", IDGenerator: &mockIDGenerator{id: "req-123"}}
		ghttpServer = nil
	})

	JustBeforeEach(func() {
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	postOCR := func(parts []uploadPart, fields map[string]string, header http.Header) *http.Response {
		body, contentType := multipartBody(parts, fields)
		req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/ocr", body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", contentType)
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	receiptImage := func() []uploadPart {
		return []uploadPart{{field: "image", filename: "kvitto.jpg", contentType: "image/jpeg", data: []byte("fake jpeg")}}
	}

	Describe("handleOCR", func() {
		When("the upload is processed", func() {
			It("should return the record, model, summary and timings", func() {
				resp := postOCR(receiptImage(), nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				body := decodeBody(resp)
				Expect(body["model"]).To(Equal(scanning.DefaultModelID))
				Expect(body["summary"]).To(Equal("validation OK"))
				data := body["data"].(map[string]any)
				Expect(data["merchant_name"]).To(Equal("ICA Supermarket"))
				Expect(data["calculated_total"]).To(Equal(150.0))
				perf := body["performance"].(map[string]any)
				Expect(perf["total_time_ms"]).To(Equal(100.0))
				Expect(perf["cache_hit"]).To(BeFalse())
			})

			It("should report a cache hit on a repeated upload", func() {
				fields := map[string]string{"last_modified": "1717243200000"}
				decodeBody(postOCR(receiptImage(), fields, nil))
				body := decodeBody(postOCR(receiptImage(), fields, nil))
				Expect(body["performance"].(map[string]any)["cache_hit"]).To(BeTrue())
				Expect(scanner.Calls()).To(Equal(1))
			})

			It("should honor the X-Model header", func() {
				resp := postOCR(receiptImage(), nil, http.Header{"X-Model": {"gpt-4o-mini-2024-07-18"}})
				body := decodeBody(resp)
				Expect(body["model"]).To(Equal("gpt-4o-mini-2024-07-18"))
				Expect(scanner.models).To(Equal([]string{"gpt-4o-mini-2024-07-18"}))
			})
		})

		When("no image field is sent", func() {
			It("should return status Bad Request", func() {
				resp := postOCR([]uploadPart{{field: "file", filename: "kvitto.jpg", data: []byte("x")}}, nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeBody(resp)["error"]).To(ContainSubstring("No image provided"))
				Expect(scanner.Calls()).To(BeZero())
			})
		})

		When("the image is empty", func() {
			It("should return status Bad Request", func() {
				resp := postOCR([]uploadPart{{field: "image", filename: "kvitto.jpg", data: nil}}, nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("the body is not multipart", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/ocr", "application/json", strings.NewReader(`{}`))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeBody(resp)["error"]).To(Equal("Error parsing form"))
			})
		})

		When("the upload exceeds the size limit", func() {
			BeforeEach(func() {
				opts.MaxUploadBytes = 1 << 10
			})

			It("should return status Bad Request", func() {
				big := []uploadPart{{field: "image", filename: "kvitto.jpg", data: bytes.Repeat([]byte("x"), 4<<10)}}
				resp := postOCR(big, nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
				Expect(scanner.Calls()).To(BeZero())
			})
		})

		When("the upstream is rate limited", func() {
			BeforeEach(func() {
				scanner.scanErr = &scanning.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 1500 * time.Millisecond}
			})

			It("should return Service Unavailable with Retry-After", func() {
				resp := postOCR(receiptImage(), nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(resp.Header.Get("Retry-After")).To(Equal("2"))
				Expect(decodeBody(resp)["retry_after_seconds"]).To(Equal(2.0))
			})
		})

		When("the model times out", func() {
			BeforeEach(func() {
				scanner.scanErr = &scanning.TimeoutError{Attempt: 3, Timeout: 120 * time.Second, Elapsed: 240 * time.Second}
			})

			It("should return Request Timeout", func() {
				resp := postOCR(receiptImage(), nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusRequestTimeout))
				body := decodeBody(resp)
				Expect(body["timeout"]).To(BeTrue())
				Expect(body["timeout_seconds"]).To(Equal(120.0))
			})
		})
	})

	Describe("request IDs", func() {
		It("should generate one when the client sends none", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/health")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.Header.Get("X-Request-ID")).To(Equal("req-123"))
		})

		It("should echo the client's ID", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/health", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("X-Request-ID", "client-id")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.Header.Get("X-Request-ID")).To(Equal("client-id"))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/ocr", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Headers")).To(ContainSubstring("X-Model"))
		})
	})

	Describe("handleListModels", func() {
		It("should list the catalog with the default and fallback", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/models")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decodeBody(resp)
			Expect(body["default"]).To(Equal(scanning.DefaultModelID))
			Expect(body["fallback"]).To(Equal(scanning.FallbackModelID))
			Expect(body["models"]).To(HaveLen(len(scanning.DefaultCatalog())))
		})
	})

	Describe("handleHealth", func() {
		It("should report status, version and cache size", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/health")
			Expect(err).NotTo(HaveOccurred())
			body := decodeBody(resp)
			Expect(body).To(HaveKeyWithValue("status", "ok"))
			Expect(body).To(HaveKeyWithValue("version", "1.2.3"))
			Expect(body).To(HaveKeyWithValue("cache_entries", 0.0))
		})
	})

	Describe("handleExport", func() {
		var record []byte

		BeforeEach(func() {
			var err error
			record, err = json.Marshal(newTestValidator().ValidateAndEnhance(testReceipt()))
			Expect(err).NotTo(HaveOccurred())
		})

		postExport := func(format string, body []byte) *http.Response {
			resp, err := http.Post(ghttpServer.URL()+"/api/export?format="+format, "application/json", bytes.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("should export CSV as an attachment", func() {
			resp := postExport("csv", record)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/csv; charset=utf-8"))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="kvitto_ICA_Supermarket_2024-06-01.csv"`))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(HavePrefix(string(export.BOM)))
			Expect(string(data)).To(ContainSubstring("ICA Supermarket,2024-05-01"))
		})

		It("should export XLSX", func() {
			resp := postExport("xlsx", record)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			f, err := excelize.OpenReader(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()
			merchant, err := f.GetCellValue("Receipt", "A2")
			Expect(err).NotTo(HaveOccurred())
			Expect(merchant).To(Equal("ICA Supermarket"))
		})

		It("should export JSON", func() {
			resp := postExport("json", record)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decodeBody(resp)
			Expect(body["merchant_name"]).To(Equal("ICA Supermarket"))
		})

		It("should reject an unknown format", func() {
			resp := postExport("pdf", record)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("should reject an invalid body", func() {
			resp := postExport("csv", []byte("not json"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeBody(resp)["error"]).To(Equal("Invalid request body"))
		})
	})
})

var _ = Describe("scanErrorResponse", func() {
	model := "gpt-5-mini-2025-08-07"

	DescribeTable("status mapping",
		func(err error, code int, key string) {
			got, body := scanErrorResponse(fmt.Errorf("scanning receipt: %w", err), model, scanning.FallbackModelID)
			Expect(got).To(Equal(code))
			Expect(body).To(HaveKey("error"))
			if key != "" {
				Expect(body).To(HaveKey(key))
			}
		},
		Entry("refusal", &scanning.RefusalError{Model: model, Reason: "not a receipt"}, http.StatusBadRequest, "refusal"),
		Entry("unsupported image", scanning.ErrUnsupportedImage, http.StatusBadRequest, "details"),
		Entry("truncated", &scanning.TruncatedError{Model: model}, http.StatusRequestEntityTooLarge, "suggestion"),
		Entry("timeout", &scanning.TimeoutError{Attempt: 3, Timeout: 2 * time.Minute}, http.StatusRequestTimeout, "elapsed_ms"),
		Entry("rate limited", &scanning.StatusError{StatusCode: 429}, http.StatusServiceUnavailable, "retry_after_seconds"),
		Entry("upstream server error", &scanning.StatusError{StatusCode: 500, Body: "oops"}, http.StatusBadGateway, "fallback"),
		Entry("upstream client error", &scanning.StatusError{StatusCode: 400, Body: "bad"}, http.StatusBadGateway, "details"),
		Entry("transport", &scanning.TransportError{Err: errors.New("connection refused")}, http.StatusBadGateway, "details"),
		Entry("extraction", &scanning.ExtractionError{Model: model, Raw: "{", Err: errors.New("eof")}, http.StatusInternalServerError, "raw_response"),
		Entry("empty", scanning.ErrEmptyResponse, http.StatusInternalServerError, ""),
		Entry("unknown", errors.New("boom"), http.StatusInternalServerError, "details"),
	)

	It("should carry the refusal text", func() {
		_, body := scanErrorResponse(&scanning.RefusalError{Model: model, Reason: "not a receipt"}, model, scanning.FallbackModelID)
		Expect(body["refusal"]).To(Equal("not a receipt"))
	})

	It("should suggest the fallback model for upstream failures", func() {
		_, body := scanErrorResponse(&scanning.StatusError{StatusCode: 500}, "gemini-2.5-pro", scanning.FallbackGeminiModelID)
		Expect(body["fallback"]).To(Equal(scanning.FallbackGeminiModelID))
	})
})

var _ = Describe("detectContentType", func() {
	DescribeTable("content type",
		func(filename, header, want string) {
			Expect(detectContentType(filename, header)).To(Equal(want))
		},
		Entry("header wins", "kvitto.jpg", "image/png", "image/png"),
		Entry("octet-stream falls back to the extension", "kvitto.PDF", "application/octet-stream", "application/pdf"),
		Entry("heic extension", "IMG_0001.heic", "", "image/heic"),
		Entry("unknown extension", "kvitto.txt", "", "application/octet-stream"),
	)
})

var _ = Describe("parseLastModified", func() {
	It("should read milliseconds", func() {
		Expect(parseLastModified("1717243200123")).To(Equal(time.UnixMilli(1717243200123)))
	})

	It("should return zero for garbage", func() {
		Expect(parseLastModified("yesterday").IsZero()).To(BeTrue())
		Expect(parseLastModified("").IsZero()).To(BeTrue())
	})
})

var _ = Describe("End to end", func() {
	var (
		upstream *ghttp.Server
		frontend *ghttp.Server
		results  *ResultCache
	)

	receiptJSON := `{"merchant_name":"Coop","date":"2024-04-12","time":"14:32","total_amount":89.5,"currency":"SEK",` +
		`"expense_category":"groceries","items":[{"description":"Kaffe","price":59.5},{"description":"Bulle","price":30}],` +
		`"payment_method":"card","confidence_score":0.92,"requires_manual_review":false}`

	BeforeEach(func() {
		upstream = ghttp.NewServer()
		backoff := scanning.NewBackoff(scanning.DefaultPolicy())
		backoff.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
		scanner, err := scanning.NewOpenAI(scanning.OpenAIOptions{
			Endpoint: upstream.URL() + "/v1/chat/completions",
			APIKey:   "sk-test",
			Backoff:  backoff,
		})
		Expect(err).NotTo(HaveOccurred())

		results = cache.New[*scanning.ReceiptData](cache.Options{})
		service := NewServiceWithDeps(scanner, scanning.NewModels(), results, newTestValidator(), KeyContent, &mockTimeSource{now: testNow})
		server := NewServer(service, ServerOptions{Version: "test"})
		frontend = ghttp.NewServer()
		frontend.AppendHandlers(server.ServeHTTP, server.ServeHTTP)
	})

	AfterEach(func() {
		frontend.Close()
		upstream.Close()
	})

	post := func() *http.Response {
		body, contentType := multipartBody([]uploadPart{{field: "image", filename: "kvitto.png", contentType: "image/png", data: testPNG()}}, nil)
		resp, err := http.Post(frontend.URL()+"/api/ocr", contentType, body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("should retry a server error and cache the result", func() {
		upstream.AppendHandlers(
			ghttp.RespondWith(http.StatusInternalServerError, "overloaded"),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer sk-test"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"choices": []map[string]any{{
						"message":       map[string]any{"role": "assistant", "content": receiptJSON},
						"finish_reason": "stop",
					}},
				}),
			),
		)

		resp := post()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		body := decodeBody(resp)
		data := body["data"].(map[string]any)
		Expect(data["merchant_name"]).To(Equal("Coop"))
		Expect(data["calculated_total"]).To(Equal(89.5))
		Expect(upstream.ReceivedRequests()).To(HaveLen(2))

		resp = post()
		body = decodeBody(resp)
		Expect(body["performance"].(map[string]any)["cache_hit"]).To(BeTrue())
		Expect(upstream.ReceivedRequests()).To(HaveLen(2))
		Expect(results.Len()).To(Equal(1))
	})

	It("should surface a refusal as Bad Request", func() {
		upstream.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": nil, "refusal": "I can't help with that."},
				"finish_reason": "stop",
			}},
		}))

		resp := post()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(decodeBody(resp)["refusal"]).To(Equal("I can't help with that."))
		Expect(results.Len()).To(BeZero())
	})
})
