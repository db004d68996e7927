package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/transfer"
)

// defaultDelay applies when a request omits "delay".
const defaultDelay = 100 * time.Millisecond

// transferRequest is the body of POST /transfers. Durations are seconds.
type transferRequest struct {
	Port        string   `json:"port"`
	FileName    string   `json:"file_name"`
	Mode        string   `json:"mode"`
	Baud        int      `json:"baud"`
	Bits        int      `json:"bits"`
	Parity      string   `json:"parity"`
	StopBits    int      `json:"stopbits"`
	RTSCTS      bool     `json:"rtscts"`
	XONXOFF     bool     `json:"xonxoff"`
	Retries     int      `json:"retries"`
	Delay       *float64 `json:"delay"`
	DC1AfterBCC dc1Field `json:"dc1_after_bcc"`
	Nuls        *int     `json:"nuls"`
	NoWait      bool     `json:"no_wait"`

	HandshakeTimeout float64 `json:"handshake_timeout"`
	AckTimeout       float64 `json:"ack_timeout"`
	CompleteTimeout  float64 `json:"complete_timeout"`

	MachineID   string `json:"machine_id"`
	ProgramName string `json:"program_name"`
}

// dc1Field accepts a boolean or one of "off", "on" and "auto".
type dc1Field transfer.DC1Policy

func (f *dc1Field) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, []byte("true")):
		*f = dc1Field(transfer.DC1On)
		return nil
	case bytes.Equal(data, []byte("false")), bytes.Equal(data, []byte("null")):
		*f = dc1Field(transfer.DC1Off)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("dc1_after_bcc: %w", err)
	}
	p, err := transfer.ParseDC1Policy(s)
	if err != nil {
		return err
	}
	*f = dc1Field(p)

	return nil
}

func (tr *transferRequest) toRequest() (dnc.Request, error) {
	var mode transfer.Mode
	if tr.Mode != "" {
		m, err := transfer.ParseMode(tr.Mode)
		if err != nil {
			return dnc.Request{}, err
		}
		mode = m
	}

	delay := defaultDelay
	if tr.Delay != nil {
		delay = seconds(*tr.Delay)
	}

	req := dnc.Request{
		Port:             tr.Port,
		FileName:         tr.FileName,
		Mode:             mode,
		BaudRate:         tr.Baud,
		DataBits:         tr.Bits,
		Parity:           tr.Parity,
		StopBits:         tr.StopBits,
		RTSCTS:           tr.RTSCTS,
		XONXOFF:          tr.XONXOFF,
		Retries:          tr.Retries,
		Delay:            delay,
		DC1AfterBCC:      transfer.DC1Policy(tr.DC1AfterBCC),
		NulCount:         tr.Nuls,
		NoWait:           tr.NoWait,
		HandshakeTimeout: seconds(tr.HandshakeTimeout),
		AckTimeout:       seconds(tr.AckTimeout),
		CompleteTimeout:  seconds(tr.CompleteTimeout),
		MachineID:        tr.MachineID,
		ProgramName:      tr.ProgramName,
	}

	return req, req.Validate()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type submitResponse struct {
	TransferID string     `json:"transfer_id"`
	Status     dnc.Status `json:"status"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
