package objectstore

import "testing"

func TestRunLogKey(t *testing.T) {
	if got := RunLogKey("r1"); got != "runs/r1/worker.log" {
		t.Fatalf("RunLogKey=%q", got)
	}
	if got := RunLogKey(" r1 "); got != "runs/r1/worker.log" {
		t.Fatalf("RunLogKey with spaces=%q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{
		Endpoint:      "localhost:9000",
		AccessKey:     "dagster",
		SecretKey:     "dagsterminio",
		Region:        "us-east-1",
		BucketRunLogs: "run-logs",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate err=%v", err)
	}

	bad := cfg
	bad.Endpoint = "http://localhost:9000"
	if err := bad.Validate(); err == nil {
		t.Fatal("endpoint with scheme must be rejected")
	}

	bad = cfg
	bad.BucketRunLogs = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("missing bucket must be rejected")
	}
}
