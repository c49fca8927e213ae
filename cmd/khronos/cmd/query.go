/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DamoyY/Khronos/clock"
	"github.com/DamoyY/Khronos/ntp/client"
)

var (
	queryTimeoutFlag time.Duration
	queryPortFlag    int
)

func init() {
	RootCmd.AddCommand(queryCmd)
	queryCmd.Flags().DurationVarP(&queryTimeoutFlag, "timeout", "t", time.Second, "query timeout")
	queryCmd.Flags().IntVarP(&queryPortFlag, "port", "p", 123, "NTP server port")
}

var queryCmd = &cobra.Command{
	Use:   "query <server>",
	Short: "Measure host clock offset against one NTP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ConfigureVerbosity()

		// one-shot probe: the reference is a program clock anchored
		// to the host clock, so the result is host vs server
		q := client.NewQuerier(clock.New(time.Now().UTC()))
		q.Port = queryPortFlag

		sample, err := q.Query(args[0], queryTimeoutFlag)
		if err != nil {
			return err
		}
		fmt.Printf("server: %s\n", sample.Server)
		fmt.Printf("offset: %v\n", sample.Offset)
		fmt.Printf("delay:  %v\n", sample.Delay)
		return nil
	},
}
