package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"enclaverun/pkg/starlarkrun"
	"enclaverun/sdk/go/enclaverun"
)

const script = `
def run(greeting):
    web = add_service("web", ServiceConfig(image = "nginx:latest", ports = {"http": PortSpec(80)}))
    result = exec("web", ["echo", greeting])
    return {"ip": web.ip_address, "output": result.output}
`

func main() {
	baseURL := os.Getenv("ENCLAVERUN_URL")
	if baseURL == "" {
		baseURL = "http://localhost:9710"
	}
	client := enclaverun.NewClient(baseURL, nil)
	client.SetAccessToken(os.Getenv("ENCLAVERUN_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stream, err := client.RunScript(ctx, "default", starlarkrun.NewRunScriptArgs(script, `{"greeting": "hello"}`, false))
	if err != nil {
		panic(err)
	}
	defer stream.Close()
	fmt.Printf("run %s started\n", stream.RunID())

	for {
		line, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			panic(err)
		}
		switch l := line.(type) {
		case *starlarkrun.ProgressInfo:
			fmt.Printf("[%d/%d] %s\n", l.CurrentStepNumber, l.TotalSteps, strings.Join(l.CurrentStepInfo, " "))
		case *starlarkrun.InstructionResult:
			fmt.Println(l.SerializedInstructionResult)
		case *starlarkrun.Error:
			fmt.Printf("error: %s\n", l.Detail.Message())
		case *starlarkrun.RunFinishedEvent:
			if l.IsRunSuccessful && l.SerializedOutput != nil {
				fmt.Printf("output: %s\n", *l.SerializedOutput)
			}
		}
	}
}
