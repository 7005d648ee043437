package handler

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Echo writes its data back to the job output. Useful for smoke-testing a
// deployment end to end.
type Echo struct{}

// Perform implements Performer
func (Echo) Perform(ctx context.Context, data *structpb.Value, job Job) error {
	raw, err := data.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Fprintf(job.Output(), "%s\n", raw)
	return job.SetProgress(ctx, 100)
}

// Sleep idles for data.seconds, reporting progress once a second. It is
// uniqueness-controlled per duration so overlapping sleeps collapse.
type Sleep struct{}

// Perform implements Performer
func (Sleep) Perform(ctx context.Context, data *structpb.Value, job Job) error {
	secs := 1
	if s := data.GetStructValue(); s != nil {
		if f, ok := s.Fields["seconds"]; ok {
			secs = int(f.GetNumberValue())
		}
	}
	if secs < 1 {
		secs = 1
	}

	for i := 0; i < secs; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		if err := job.SetProgress(ctx, (i+1)*100/secs); err != nil {
			return err
		}
	}
	return nil
}

// Signature implements Signer
func (Sleep) Signature(data *structpb.Value) string {
	if s := data.GetStructValue(); s != nil {
		if f, ok := s.Fields["seconds"]; ok {
			return fmt.Sprintf("sleep:%d", int(f.GetNumberValue()))
		}
	}
	return "sleep:1"
}

// RegisterExamples wires the example handlers into a registry
func RegisterExamples(r *Registry) {
	r.Register("Echo", Echo{})
	r.Register("Sleep", Sleep{})
}
