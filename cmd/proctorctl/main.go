package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

func main() {
	var (
		addrF    = flag.String("url", "http://localhost:8080", "URL to proctord service")
		tokenF   = flag.String("token", os.Getenv("PROCTORD_TOKEN"), "Bearer token (default $PROCTORD_TOKEN)")
		timeoutF = flag.Int("timeout", 30, "Maximum number of seconds to wait for response")
		verboseF = flag.Bool("verbose", false, "Print request and response details")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	c := newClient(strings.TrimRight(*addrF, "/"), *tokenF, *timeoutF, *verboseF)
	data, err := run(c, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if data != nil {
		m, _ := json.MarshalIndent(data, "", "    ")
		fmt.Println(string(m))
	}
}

func run(c *client, cmd string, args []string) (interface{}, error) {
	var out interface{}
	switch cmd {
	case "login":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: login USERNAME PASSWORD")
		}
		err := c.call("POST", "/api/v1/auth/login", map[string]string{"username": args[0], "password": args[1]}, &out)
		return out, err

	case "token":
		if len(args) < 1 || len(args) > 2 {
			return nil, fmt.Errorf("usage: token USER_ID [EMAIL]")
		}
		payload := map[string]string{"user_id": args[0]}
		if len(args) == 2 {
			payload["email"] = args[1]
		}
		err := c.call("POST", "/api/v1/tokens", payload, &out)
		return out, err

	case "put-test":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: put-test TEST_ID FILE")
		}
		test, err := readTest(args[1])
		if err != nil {
			return nil, err
		}
		err = c.call("PUT", "/api/v1/tests/"+url.PathEscape(args[0]), test, &out)
		return out, err

	case "incidents":
		if len(args) < 1 || len(args) > 2 {
			return nil, fmt.Errorf("usage: incidents TEST_ID [USER_ID]")
		}
		path := "/api/v1/tests/" + url.PathEscape(args[0]) + "/incidents"
		if len(args) == 2 {
			path += "?user_id=" + url.QueryEscape(args[1])
		}
		err := c.call("GET", path, nil, &out)
		return out, err

	case "results":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: results USER_ID")
		}
		err := c.call("GET", "/api/v1/users/"+url.PathEscape(args[0])+"/results", nil, &out)
		return out, err

	case "session":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: session SESSION_ID")
		}
		err := c.call("GET", "/api/v1/sessions/"+url.PathEscape(args[0]), nil, &out)
		return out, err

	case "status":
		err := c.call("GET", "/api/v1/system/status", nil, &out)
		return out, err

	case "config":
		err := c.call("GET", "/api/v1/config", nil, &out)
		return out, err

	case "stop":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: stop ATTEMPT_ID")
		}
		return nil, c.call("POST", "/api/v1/attempts/"+url.PathEscape(args[0])+"/stop", nil, nil)

	case "notify-test":
		return nil, c.call("POST", "/api/v1/notifications/test", nil, nil)

	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

// readTest loads test access rules from a YAML or JSON file
func readTest(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var test map[string]interface{}
	if err := yaml.Unmarshal(data, &test); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return test, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s is a command line client for the proctord API.
Usage:
    %s [-url URL][-token TOKEN][-timeout SECONDS][-verbose] COMMAND [ARGS]

Commands:
    login USERNAME PASSWORD       examiner login, prints a token
    token USER_ID [EMAIL]         issue a test-taker token
    put-test TEST_ID FILE         create or replace test access rules (YAML or JSON)
    incidents TEST_ID [USER_ID]   list recorded incidents, newest first
    results USER_ID               list saved test results, newest first
    session SESSION_ID            how a proctored attempt ended
    stop ATTEMPT_ID               stop proctoring an attempt
    status                        agent status
    config                        detection settings in effect
    notify-test                   send a test examiner alert

Example:
    %s -token $(%s login examiner secret | jq -r .token) incidents algebra-1
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
