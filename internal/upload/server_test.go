package upload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/aadhaar-reader/internal/extraction"
)

// multipartFile builds an upload body with an explicit part Content-Type
func multipartFile(filename, contentType string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		extractor   *mockExtractor
		controller  *Controller
		opts        Options
		server      *Server
		ghttpServer *ghttp.Server
		client      *http.Client
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(controller, opts, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	do := func(method, path, contentType string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decodeView := func(resp *http.Response) sessionView {
		defer resp.Body.Close()
		var view sessionView
		Expect(json.NewDecoder(resp.Body).Decode(&view)).To(Succeed())
		return view
	}

	readBody := func(resp *http.Response) string {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return string(body)
	}

	upload := func(side, filename, contentType string, data []byte) *http.Response {
		body, formType := multipartFile(filename, contentType, data)
		return do(http.MethodPost, "/images/"+side, formType, body)
	}

	uploadBoth := func() {
		resp := upload("front", "front.png", "image/png", []byte("front"))
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()
		resp = upload("back", "back.jpg", "image/jpeg", []byte("back"))
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		extractor = newMockExtractor()
		controller = NewController(db, storage, extractor)
		opts = Options{}

		jar, err := cookiejar.New(nil)
		Expect(err).NotTo(HaveOccurred())
		client = &http.Client{Jar: jar}

		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleIndex", func() {
		It("should render the upload form", func() {
			resp, err := client.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/html"))
			body := readBody(resp)
			Expect(body).To(ContainSubstring("Aadhaar Reader"))
			Expect(body).To(ContainSubstring(`disabled>Extract Information</button>`))
			Expect(body).NotTo(ContainSubstring("Extraction Completed"))
		})

		It("should issue a session cookie", func() {
			resp, err := client.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			var names []string
			for _, c := range resp.Cookies() {
				names = append(names, c.Name)
			}
			Expect(names).To(ContainElement(sessionCookieName))
		})

		It("should replace a malformed session cookie", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/", nil)
			Expect(err).NotTo(HaveOccurred())
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "../../etc"})
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(resp.Cookies()).To(ContainElement(HaveField("Name", sessionCookieName)))
			for _, c := range resp.Cookies() {
				Expect(c.Value).NotTo(Equal("../../etc"))
			}
		})

		It("should not serve unknown paths", func() {
			resp, err := client.Get(ghttpServer.URL() + "/nope")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		When("a result is held", func() {
			BeforeEach(func() {
				uploadBoth()
				resp := do(http.MethodPost, "/submit", "", nil)
				resp.Body.Close()
			})

			It("should show the extracted fields", func() {
				resp, err := client.Get(ghttpServer.URL() + "/")
				Expect(err).NotTo(HaveOccurred())
				body := readBody(resp)
				Expect(body).To(ContainSubstring("Extraction Completed"))
				Expect(body).To(ContainSubstring("Asha Verma"))
				Expect(body).To(ContainSubstring("1234 5678 9012"))
				Expect(body).To(ContainSubstring(`href="/download"`))
			})
		})
	})

	Describe("handleUploadImage", func() {
		It("should accept an image for the side", func() {
			resp := upload("front", "front.png", "image/png", []byte("front"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			view := decodeView(resp)
			Expect(view.Front).NotTo(BeNil())
			Expect(view.Front.Filename).To(Equal("front.png"))
			Expect(string(view.Front.Preview)).To(HavePrefix("data:image/png;base64,"))
			Expect(view.Back).To(BeNil())
		})

		It("should silently ignore a non-image file", func() {
			resp := upload("back", "notes.txt", "text/plain", []byte("hello"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			view := decodeView(resp)
			Expect(view.Back).To(BeNil())
			Expect(view.Error).To(BeEmpty())
		})

		It("should infer the media type from the filename when none is sent", func() {
			resp := upload("back", "card.jpg", "", []byte("jpeg"))
			view := decodeView(resp)
			Expect(view.Back).NotTo(BeNil())
			Expect(view.Back.ContentType).To(Equal("image/jpeg"))
		})

		It("should reject an unknown side", func() {
			resp := upload("middle", "front.png", "image/png", []byte("front"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("should reject a form without a file", func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			Expect(writer.WriteField("other", "value")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			resp := do(http.MethodPost, "/images/front", writer.FormDataContentType(), body)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(readBody(resp)).To(ContainSubstring("No file was selected"))
		})

		When("the upload exceeds the limit", func() {
			BeforeEach(func() {
				opts.MaxUploadBytes = 1024
				setupServer()
			})

			It("should return Bad Request", func() {
				resp := upload("front", "big.png", "image/png", bytes.Repeat([]byte("x"), 4096))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})

			It("should log the rejection as a client problem", func() {
				logs := captureLogs()
				resp := upload("front", "big.png", "image/png", bytes.Repeat([]byte("x"), 4096))
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(logs.String()).To(ContainSubstring("level=WARN"))
				Expect(logs.String()).To(ContainSubstring("Rejected multipart upload"))
				Expect(logs.String()).NotTo(ContainSubstring("level=ERROR"))
			})
		})

		When("the client is a browser form", func() {
			It("should redirect back to the page", func() {
				body, formType := multipartFile("front.png", "image/png", []byte("front"))
				resp, err := client.Post(ghttpServer.URL()+"/images/front", formType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Request.URL.Path).To(Equal("/"))
				Expect(readBody(resp)).To(ContainSubstring("Front image uploaded"))
			})
		})
	})

	Describe("handleClearImage", func() {
		It("should clear only the requested side", func() {
			uploadBoth()
			resp := do(http.MethodPost, "/images/front/clear", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			view := decodeView(resp)
			Expect(view.Front).To(BeNil())
			Expect(view.Back).NotTo(BeNil())
		})
	})

	Describe("handleSubmit", func() {
		When("images are missing", func() {
			It("should report the validation message without calling the service", func() {
				resp := do(http.MethodPost, "/submit", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				view := decodeView(resp)
				Expect(view.Error).To(Equal(MessageMissingImages))
				Expect(view.Result).To(BeNil())
				Expect(extractor.callCount()).To(BeZero())
			})
		})

		When("both images are present", func() {
			BeforeEach(func() {
				uploadBoth()
			})

			It("should return the extracted result", func() {
				resp := do(http.MethodPost, "/submit", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				view := decodeView(resp)
				Expect(view.Result).To(Equal(extractor.result))
				Expect(view.IsProcessing).To(BeFalse())
				Expect(view.Error).To(BeEmpty())
			})

			It("should report a failed extraction on the session", func() {
				extractor.err = fmt.Errorf("%w (status 500): boom", extraction.ErrExtractionFailed)
				resp := do(http.MethodPost, "/submit", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				view := decodeView(resp)
				Expect(view.Error).To(Equal(MessageExtractionFailed))
				Expect(view.Result).To(BeNil())
			})
		})

		When("an extraction is in flight", func() {
			var finished chan struct{}

			BeforeEach(func() {
				uploadBoth()
				extractor.release = make(chan struct{})
				extractor.started = make(chan struct{})
				finished = make(chan struct{})
				go func() {
					defer GinkgoRecover()
					defer close(finished)
					resp := do(http.MethodPost, "/submit", "", nil)
					resp.Body.Close()
				}()
				Eventually(extractor.started).Should(BeClosed())
			})

			AfterEach(func() {
				close(extractor.release)
				Eventually(finished).Should(BeClosed())
			})

			It("should report processing", func() {
				resp := do(http.MethodGet, "/api/session", "", nil)
				Expect(decodeView(resp).IsProcessing).To(BeTrue())
			})

			It("should reject a second submission with Conflict", func() {
				resp := do(http.MethodPost, "/submit", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				resp.Body.Close()
				Expect(extractor.callCount()).To(Equal(1))
			})

			It("should reject uploads with Conflict", func() {
				resp := upload("front", "other.png", "image/png", []byte("other"))
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				resp.Body.Close()
			})

			It("should disable the submit button", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/", nil)
				Expect(err).NotTo(HaveOccurred())
				resp, err := client.Do(req)
				Expect(err).NotTo(HaveOccurred())
				Expect(readBody(resp)).To(ContainSubstring(`disabled>Processing Images...</button>`))
			})
		})
	})

	Describe("handleDownload", func() {
		When("a result is held", func() {
			BeforeEach(func() {
				uploadBoth()
				resp := do(http.MethodPost, "/submit", "", nil)
				resp.Body.Close()
			})

			It("should serve the result as a JSON attachment", func() {
				resp := do(http.MethodGet, "/download", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="aadhaar-data.json"`))

				body := readBody(resp)
				Expect(body).To(MatchJSON(`{
					"aadhaarNumber": "1234 5678 9012",
					"dateOfBirth": "01/01/1990",
					"gender": "FEMALE",
					"name": "Asha Verma",
					"address": "12 MG Road, Pune 411001"
				}`))
				Expect(strings.Contains(body, "\n  \"name\"")).To(BeTrue())
			})
		})

		When("no result is held", func() {
			It("should return Not Found", func() {
				resp := do(http.MethodGet, "/download", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				resp.Body.Close()
			})
		})
	})

	Describe("handleReset", func() {
		It("should return to the empty form", func() {
			uploadBoth()
			resp := do(http.MethodPost, "/submit", "", nil)
			resp.Body.Close()

			resp = do(http.MethodPost, "/reset", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			view := decodeView(resp)
			Expect(view.Front).To(BeNil())
			Expect(view.Back).To(BeNil())
			Expect(view.Result).To(BeNil())
			Expect(view.Error).To(BeEmpty())
			Expect(storage.count()).To(BeZero())
		})
	})

	Describe("sessions", func() {
		It("should keep separate state per cookie", func() {
			uploadBoth()

			other := &http.Client{}
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/session", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := other.Do(req)
			Expect(err).NotTo(HaveOccurred())
			view := decodeView(resp)
			Expect(view.Front).To(BeNil())
			Expect(view.Back).To(BeNil())
		})
	})

	Describe("handleHealth", func() {
		It("should report ok", func() {
			resp := do(http.MethodGet, "/healthz", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(Equal("ok\n"))
		})
	})

	Describe("handleStaticCSS", func() {
		It("should serve the stylesheet", func() {
			resp := do(http.MethodGet, "/static/app.css", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/css"))
			resp.Body.Close()
		})
	})

	Describe("CORS", func() {
		It("should allow any origin by default", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/session", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Origin", "http://example.com")
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			opts.BasicAuth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp := do(http.MethodGet, "/", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			resp.Body.Close()
		})

		It("should reject wrong credentials", func() {
			req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/submit", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "wrong")
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "secret")
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should leave the health check open", func() {
			resp := do(http.MethodGet, "/healthz", "", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
