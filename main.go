package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/mrasu/ddblock/server"
	"github.com/mrasu/ddblock/server/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML lock configuration")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := loadConfig(*configPath)
	if err != nil {
		die(err)
	}
	level, err := cfg.Level()
	if err != nil {
		die(err)
	}
	zerolog.SetGlobalLevel(level)

	reg := prometheus.NewRegistry()
	s, err := server.NewServer(cfg, reg)
	if err != nil {
		die(err)
	}

	fmt.Println("<==========Crossing transactions")
	runCrossingTransactions(s)

	c := s.StartNewConnection()
	query(c, "BEGIN")
	query(c, "SELECT * FROM node WHERE id IN (1, 2)").Inspect()
	query(c, "SELECT * FROM node WHERE id = 2 FOR UPDATE").Inspect()
	query(c, "INSERT INTO relationship(id, start_node, end_node) VALUES (10, 1, 2)").Inspect()
	s.Inspect()
	query(c, "COMMIT")

	printMetrics(reg)
	if open := s.Close(); open > 0 {
		log.Warn().Int("transactions", open).Msg("Transactions left open")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runCrossingTransactions locks two nodes in opposite order from two
// transactions. One of them hits a deadlock and is replayed.
func runCrossingTransactions(s *server.Server) {
	wg := sync.WaitGroup{}
	for _, ids := range [][2]int{{1, 2}, {2, 1}} {
		wg.Add(1)
		ids := ids
		go func() {
			defer wg.Done()
			c := s.StartNewConnection()
			query(c, "BEGIN")
			query(c, fmt.Sprintf("UPDATE node SET name = 'a' WHERE id = %d", ids[0]))
			query(c, fmt.Sprintf("UPDATE node SET name = 'b' WHERE id = %d", ids[1]))
			query(c, "COMMIT")
		}()
	}
	wg.Wait()
}

func query(c *server.Connection, sql string) *server.Result {
	r, err := c.Query(sql)
	if err != nil {
		fmt.Printf("error: %s: %+v\n", sql, err)
	}
	return r
}

func printMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		die(err)
	}

	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, l := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", l.GetName(), l.GetValue())
			}
			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			lines = append(lines, fmt.Sprintf("%s%s: %g", mf.GetName(), labels, value))
		}
	}
	sort.Strings(lines)

	fmt.Println("<==========Metrics")
	for _, l := range lines {
		fmt.Println(l)
	}
}

func die(err error) {
	fmt.Printf("error %+v\n", err)
	os.Exit(1)
}
