// Package mdstream is the control layer of a streaming Markdown view.
//
// It keeps three concerns out of the render path:
//   - ProcessorCache reuses built pipelines, keyed by their configuration,
//     with least-recently-used eviction
//   - Coalescer turns a high-frequency chunk stream into bounded-rate
//     updates while guaranteeing the latest value is emitted
//   - Scheduler defers secondary renders to idle time, bounded by a timeout,
//     with a minimal-delay timer fallback
//
// View composes them: chunks written to a View are assembled, coalesced,
// processed and delivered as Frames.
//
// Example:
//
//	view := mdstream.NewView(mdstream.WithOnRender(func(f mdstream.Frame) {
//		if f.Err != nil {
//			log.Printf("render: %v", f.Err)
//			return
//		}
//		fmt.Print(f.Output)
//	}))
//	err := view.SetConfig(mdstream.Config{
//		Pre:    []mdstream.Plugin{mdstream.Use(mdstream.StripFrontMatter)},
//		Bridge: mdstream.BridgeOptions{Width: 80},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	for chunk := range tokens {
//		_, _ = view.WriteString(chunk)
//	}
//	_ = view.Close()
package mdstream
