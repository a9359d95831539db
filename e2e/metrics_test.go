// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build e2e

package e2e_test

import (
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// scrape fetches /metrics and decodes it into families keyed by name
func scrape() map[string]*dto.MetricFamily {
	resp, err := http.Get("http://" + address + "/metrics")
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))

	families := map[string]*dto.MetricFamily{}
	decoder := expfmt.NewDecoder(resp.Body, expfmt.ResponseFormat(resp.Header))
	for {
		mf := &dto.MetricFamily{}
		if err := decoder.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			Fail("failed to decode metrics: " + err.Error())
		}
		families[mf.GetName()] = mf
	}
	return families
}

func labels(m *dto.Metric) map[string]string {
	ret := map[string]string{}
	for _, lp := range m.GetLabel() {
		ret[lp.GetName()] = lp.GetValue()
	}
	return ret
}

// value returns the value of the metric in family name whose labels include want
func value(families map[string]*dto.MetricFamily, name string, want map[string]string) (float64, bool) {
	mf, ok := families[name]
	if !ok {
		return 0, false
	}
	for _, m := range mf.GetMetric() {
		got := labels(m)
		match := true
		for k, v := range want {
			if got[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if c := m.GetCounter(); c != nil {
			return c.GetValue(), true
		}
		return m.GetGauge().GetValue(), true
	}
	return 0, false
}

var _ = Describe("metrics", Ordered, func() {
	It("exports state residency of the board", func() {
		families := scrape()
		sleep := map[string]string{"board": "e2e", "entity": "MODEM", "state": "SLEEP"}

		v, ok := value(families, "powerstats_residency_entries_total", sleep)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(4.0))

		v, ok = value(families, "powerstats_residency_seconds_total", sleep)
		Expect(ok).To(BeTrue())
		Expect(v).To(BeNumerically("~", 3.0, 0.001))

		v, ok = value(families, "powerstats_residency_last_entry_seconds", sleep)
		Expect(ok).To(BeTrue())
		Expect(v).To(BeNumerically("~", 9.0, 0.001))
	})

	It("exports meter channels", func() {
		Eventually(func() float64 {
			v, _ := value(scrape(), "powerstats_meter_energy_joules_total",
				map[string]string{"channel": "S2S_VDD_G3D", "subsystem": "fake"})
			return v
		}, timeout, poolingInterval).Should(BeNumerically(">", 0))

		v, ok := value(scrape(), "powerstats_meter_stale", nil)
		Expect(ok).To(BeTrue())
		Expect(v).To(BeZero())
	})

	It("exports consumer energy", func() {
		Eventually(func() float64 {
			v, _ := value(scrape(), "powerstats_consumer_energy_joules_total",
				map[string]string{"consumer": "GPU", "type": "OTHER"})
			return v
		}, timeout, poolingInterval).Should(BeNumerically(">", 0))

		_, ok := value(scrape(), "powerstats_consumer_energy_joules_total",
			map[string]string{"consumer": "Wifi", "type": "WIFI"})
		Expect(ok).To(BeTrue())
	})

	It("exports build info", func() {
		_, ok := value(scrape(), "powerstats_build_info", nil)
		Expect(ok).To(BeTrue())
	})
})
