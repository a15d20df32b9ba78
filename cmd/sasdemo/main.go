// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// sasdemo runs an interactive verification between two in-process machines
// and prints the short authentication strings both of them derive. No
// homeserver is involved: the outgoing request queues are relayed directly.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/sasmachine/event"
	"go.mau.fi/sasmachine/id"
	"go.mau.fi/sasmachine/verification"
)

var userID = flag.MakeFull("u", "user", "User ID to verify devices of", "@demo:example.org").String()
var logConfigPath = flag.MakeFull("l", "log-config", "Path to a zeroconfig YAML file", "").String()
var wantHelp, _ = flag.MakeHelpFlag()

func makeLog() *zerolog.Logger {
	var cfg zeroconfig.Config
	if *logConfigPath != "" {
		cfgData := exerrors.Must(os.ReadFile(*logConfigPath))
		exerrors.PanicIfNotNil(yaml.Unmarshal(cfgData, &cfg))
	} else {
		cfg.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStderr,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	log := exerrors.Must(cfg.Compile())
	exzerolog.SetupDefaults(log)
	return log
}

// relay pumps the outgoing queues of both machines into each other until
// neither has anything left to send.
func relay(log *zerolog.Logger, machines map[id.DeviceID]*verification.Machine) {
	for {
		progressed := false
		for _, mach := range machines {
			for _, req := range mach.Drain() {
				progressed = true
				var response json.RawMessage
				switch req.Type {
				case verification.OutgoingRequestToDevice:
					deliver(mach, machines, req)
				case verification.OutgoingRequestKeysQuery:
					response = answerKeysQuery(machines, req.Body)
				default:
					log.Debug().
						Str("request_type", string(req.Type)).
						Msg("Acknowledging request without a response")
				}
				exerrors.PanicIfNotNil(mach.MarkRequestSent(req.ID, response))
			}
		}
		if !progressed {
			return
		}
	}
}

func deliver(sender *verification.Machine, machines map[id.DeviceID]*verification.Machine, req *verification.OutgoingRequest) {
	parsed := exerrors.Must(req.ToDevice())
	for _, devices := range parsed.Messages {
		for deviceID, content := range devices {
			target, ok := machines[deviceID]
			if !ok || target == sender {
				continue
			}
			target.ProcessSync(&verification.SyncPayload{
				ToDeviceEvents: []*event.Event{{
					Sender:  sender.UserID,
					Type:    parsed.EventType,
					Content: content,
				}},
			})
		}
	}
}

func answerKeysQuery(machines map[id.DeviceID]*verification.Machine, body json.RawMessage) json.RawMessage {
	var query verification.KeysQueryBody
	exerrors.PanicIfNotNil(json.Unmarshal(body, &query))
	resp := verification.KeysQueryResponse{
		DeviceKeys: make(map[id.UserID]map[id.DeviceID]json.RawMessage),
	}
	for queriedUser := range query.DeviceKeys {
		resp.DeviceKeys[queriedUser] = make(map[id.DeviceID]json.RawMessage)
		for deviceID, mach := range machines {
			if mach.UserID != queriedUser {
				continue
			}
			deviceKeys := exerrors.Must(mach.Account.DeviceKeys())
			resp.DeviceKeys[queriedUser][deviceID] = exerrors.Must(json.Marshal(deviceKeys))
		}
	}
	return exerrors.Must(json.Marshal(&resp))
}

func main() {
	flag.SetHelpTitles(
		"sasdemo - interactive verification between two local machines",
		"sasdemo [-u user ID] [-l log config path]")
	err := flag.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	}
	log := makeLog()

	user := id.UserID(*userID)
	phone := exerrors.Must(verification.NewMachine(user, "PHONE", log.With().Str("machine", "phone").Logger()))
	laptop := exerrors.Must(verification.NewMachine(user, "LAPTOP", log.With().Str("machine", "laptop").Logger()))
	machines := map[id.DeviceID]*verification.Machine{
		phone.DeviceID:  phone,
		laptop.DeviceID: laptop,
	}
	relay(log, machines)

	req, err := phone.RequestVerification(user)
	if err != nil {
		// The phone has not seen the laptop yet, let the queued keys query
		// round-trip and try again.
		relay(log, machines)
		req = exerrors.Must(phone.RequestVerification(user))
	}
	relay(log, machines)

	laptopReqs := laptop.VerificationRequests()
	if len(laptopReqs) != 1 {
		log.Fatal().Int("count", len(laptopReqs)).Msg("Laptop did not receive exactly one verification request")
	}
	laptopReq := laptopReqs[0]
	exerrors.PanicIfNotNil(laptopReq.Accept())
	relay(log, machines)

	sasPhone := exerrors.Must(req.StartSAS())
	relay(log, machines)
	sasLaptop, ok := laptop.GetSASVerification(req.TransactionID())
	if !ok {
		log.Fatal().Msg("Laptop is not tracking the SAS flow")
	}

	phoneEmojis := exerrors.Must(sasPhone.Emojis())
	laptopEmojis := exerrors.Must(sasLaptop.Emojis())
	fmt.Println("Phone sees: ", phoneEmojis, exerrors.Must(sasPhone.DecimalsString()))
	fmt.Println("Laptop sees:", laptopEmojis, exerrors.Must(sasLaptop.DecimalsString()))
	if phoneEmojis != laptopEmojis {
		log.Fatal().Msg("The short authentication strings do not match")
	}

	exerrors.PanicIfNotNil(sasPhone.Confirm())
	exerrors.PanicIfNotNil(sasLaptop.Confirm())
	relay(log, machines)

	if !sasPhone.IsDone() || !sasLaptop.IsDone() {
		log.Fatal().Msg("Verification did not complete")
	}
	fmt.Printf("Verified: phone trusts LAPTOP as %s, laptop trusts PHONE as %s\n",
		phone.Registry.GetDevice(user, laptop.DeviceID).Trust,
		laptop.Registry.GetDevice(user, phone.DeviceID).Trust)
}
