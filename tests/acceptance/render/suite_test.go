package render_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRender(t *testing.T) {
	RegisterFailHandler(Fail)

	suiteConfig, reporterConfig := GinkgoConfiguration()
	suiteConfig.ParallelTotal = 1
	suiteConfig.Timeout = 5 * time.Minute
	reporterConfig.Succinct = true

	RunSpecs(t, "Render Bridge Acceptance Suite", suiteConfig, reporterConfig)
}
