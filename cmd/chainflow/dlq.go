package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/drblury/chainflow/internal/runtime/envelope"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
)

// deadLetterReport is what `dlq decode` prints.
type deadLetterReport struct {
	Reason        string         `json:"reason"`
	Category      string         `json:"category,omitempty"`
	SchemaVersion uint8          `json:"schema_version,omitempty"`
	Slot          uint64         `json:"slot,omitempty"`
	PartitionKey  string         `json:"partition_key,omitempty"`
	Event         envelope.Event `json:"event,omitempty"`
	DecodeError   string         `json:"decode_error,omitempty"`
	RawPayload    []byte         `json:"raw_payload,omitempty"`
}

func newDLQCommand(stdin io.Reader, stdout io.Writer) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered messages",
	}
	dlq.AddCommand(&cobra.Command{
		Use:   "decode",
		Short: "Decode a dead-letter body read from stdin and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			report, err := decodeDeadLetter(data)
			if err != nil {
				return err
			}
			return jsoncodec.EncodeIndent(stdout, report)
		},
	})
	return dlq
}

// decodeDeadLetter splits the reason trailer off data. A body that does not
// decode is reported with its raw bytes.
func decodeDeadLetter(data []byte) (deadLetterReport, error) {
	body, reason, err := envelope.DecodeDeadLetter(data)
	if err != nil {
		return deadLetterReport{}, fmt.Errorf("decode dead letter: %w", err)
	}
	report := deadLetterReport{Reason: reason}

	env, err := envelope.Decode(body)
	if err != nil {
		report.DecodeError = err.Error()
		report.RawPayload = body
		return report, nil
	}
	report.Category = env.Category.String()
	report.SchemaVersion = env.SchemaVersion
	report.Slot = env.Slot
	report.PartitionKey = env.KeyHex()

	ev, err := env.Event()
	if err != nil {
		report.DecodeError = err.Error()
		report.RawPayload = env.Payload
		return report, nil
	}
	report.Event = ev
	return report, nil
}
