// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build e2e

package e2e_test

import (
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type healthStatus struct {
	Status   string `json:"status"`
	Services []struct {
		Name    string `json:"name"`
		Healthy bool   `json:"healthy"`
	} `json:"services"`
}

func probe(path string) (int, healthStatus) {
	resp, err := http.Get("http://" + address + path)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var hs healthStatus
	Expect(json.NewDecoder(resp.Body).Decode(&hs)).To(Succeed())
	return resp.StatusCode, hs
}

var _ = Describe("health probes", func() {
	DescribeTable("report the power stats service healthy",
		func(path string) {
			Eventually(func() int {
				code, _ := probe(path)
				return code
			}, timeout, poolingInterval).Should(Equal(http.StatusOK))

			_, hs := probe(path)
			Expect(hs.Status).To(Equal("ok"))
			Expect(hs.Services).To(ContainElement(HaveField("Name", "powerstats")))
		},
		Entry("liveness", "/probe/livez"),
		Entry("readiness", "/probe/readyz"),
	)

	DescribeTable("serve the other endpoints",
		func(path string) {
			resp, err := http.Get("http://" + address + path)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		},
		Entry("landing page", "/"),
		Entry("metrics", "/metrics"),
	)
})
