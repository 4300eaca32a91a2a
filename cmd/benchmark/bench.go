package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

const appPort = 8082

const benchConfig = `
server:
  port: "8082"
  env: "production"
  api_keys: ["bench-key-12345"]
  requests_per_second: 100000
  burst: 100000

cache:
  backend: "memory"
  ttl: "1m"
  max_entries: 4096

store:
  enabled: false

providers:
  - name: "bench-local"
    type: "static"
    enabled: true
    priority: 1
    supports_local: true
    cost_per_token: 0
    requests_per_minute: 0
    options:
      text: "benchmark response"
  - name: "bench-cloud"
    type: "static"
    enabled: true
    priority: 2
    cost_per_token: 0.00002
    requests_per_minute: 0
    options:
      text: "benchmark response"
`

var prompts = []string{
	"hello there",
	"what is the capital of france?",
	"summarize the plot of moby dick in one paragraph",
	"write a comprehensive and detailed analysis of distributed consensus algorithms",
}

func main() {
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rps := flag.Int("rate", 50, "Requests per second")
	unique := flag.Bool("unique", false, "Give every request a unique prompt (defeats the cache)")
	flag.Parse()

	fmt.Println("Building application...")
	buildCmd := exec.Command("go", "build", "-o", "bin/server", "./cmd/server")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}

	configFile := "bench_config.yaml"
	if err := os.WriteFile(configFile, []byte(benchConfig), 0644); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	defer os.Remove(configFile)

	fmt.Println("Starting application...")
	cmd := exec.Command("./bin/server")
	cmd.Env = append(os.Environ(), fmt.Sprintf("CONFIG_FILE=%s", configFile))
	cmd.Env = append(cmd.Env, "LOG_LEVEL=error")

	logFile, _ := os.Create("bench_server.log")
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to start app: %v", err)
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()

	waitForApp(fmt.Sprintf("http://localhost:%d/health", appPort))

	fmt.Printf("Running benchmark: %s duration, %d req/s\n", *duration, *rps)

	n := 0
	targeter := func(t *vegeta.Target) error {
		prompt := prompts[rand.Intn(len(prompts))]
		if *unique {
			n++
			prompt = prompt + " variant " + strconv.Itoa(n)
		}
		t.Method = "POST"
		t.URL = fmt.Sprintf("http://localhost:%d/v1/requests", appPort)
		t.Body = []byte(fmt.Sprintf(`{"prompt": %q}`, prompt))
		t.Header = http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer bench-key-12345"},
		}
		return nil
	}

	attacker := vegeta.NewAttacker()
	pacer := vegeta.Rate{Freq: *rps, Per: time.Second}

	var m vegeta.Metrics
	for res := range attacker.Attack(targeter, pacer, *duration, "orchestrator") {
		m.Add(res)
	}
	m.Close()

	fmt.Printf("\nRequests:      %d\n", m.Requests)
	fmt.Printf("Success rate:  %.2f%%\n", m.Success*100)
	fmt.Printf("Mean latency:  %s\n", m.Latencies.Mean)
	fmt.Printf("P95 latency:   %s\n", m.Latencies.P95)
	fmt.Printf("P99 latency:   %s\n", m.Latencies.P99)
	fmt.Printf("Max latency:   %s\n", m.Latencies.Max)
	fmt.Printf("Throughput:    %.2f req/s\n", m.Throughput)
	if len(m.Errors) > 0 {
		fmt.Println("Errors:")
		for _, e := range m.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
}

func waitForApp(url string) {
	client := http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < 60; i++ {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	log.Fatal("App never became healthy")
}
