package provider_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaygate/gateway/internal/provider"
)

var _ = Describe("ArkProvider", func() {
	var (
		ctx context.Context
		p   *provider.ArkProvider
	)

	BeforeEach(func() {
		apiKey := os.Getenv("ARK_API_KEY")
		modelID := os.Getenv("ARK_MODEL_ID")
		if apiKey == "" || modelID == "" {
			Skip("ARK environment variables not set")
		}

		ctx = context.Background()
		var err error
		p, err = provider.NewArkProvider(ctx, provider.ArkConfig{
			APIKey:    apiKey,
			BaseURL:   os.Getenv("ARK_API_URL"),
			Model:     modelID,
			MaxTokens: 256,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("reports its provider ID", func() {
		Expect(p.ID()).To(Equal("volcano"))
	})

	It("streams a simple completion", func() {
		stream, err := p.CreateCompletion(ctx, &provider.CompletionRequest{
			Model:    os.Getenv("ARK_MODEL_ID"),
			Messages: []provider.Message{{Role: "user", Content: "Say 'Hello' and nothing else."}},
		})
		Expect(err).NotTo(HaveOccurred())
		defer stream.Close()

		var content string
		for {
			chunk, err := stream.Recv()
			if err != nil {
				break
			}
			content += chunk.Content
		}
		Expect(content).NotTo(BeEmpty())
	})
})

var _ = Describe("NewArkProvider", func() {
	It("rejects a missing API key", func() {
		_, err := provider.NewArkProvider(context.Background(), provider.ArkConfig{})
		Expect(err).To(HaveOccurred())
	})
})
