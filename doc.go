// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package kvm implements a client for the KVM-over-IP protocol spoken by
// RFB-derived KVM appliances.
//
// The protocol follows RFB 3.8 for the version and security exchange, then
// diverges: the server version carries a device block describing the
// appliance modules and channels, the security handshake selects a channel,
// video arrives as H.264 or H.265 elementary streams, audio as G.726, and a
// separate virtual-media session lets the appliance read and write a local
// disk image or removable drive.
//
// # Basic Usage
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//
//	events := make(chan kvm.Event, 64)
//	session, err := kvm.Dial(ctx, "10.0.0.20:5900",
//		kvm.WithChannel(0),
//		kvm.WithCredentials("admin", "secret"),
//		kvm.WithEventChannel(events),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Close()
//
// # Events
//
//	for ev := range events {
//		switch ev.Kind {
//		case kvm.EventVideoFrame:
//			frame := ev.Data.(kvm.VideoFrame)
//			// Hand frame.Payload to a decoder.
//		case kvm.EventClose:
//			return
//		}
//	}
//
// Without WithCredentials, the session raises EventRequireAuth with an
// AuthRequest and waits for SubmitCredentials.
//
// # Input Events
//
//	session.WriteKeyPress(0x0061)
//	session.WriteMouseEvent(kvm.MouseEvent{Mode: kvm.MouseAbsolute, Button: 1, X: 100, Y: 100})
//
// Input writes return ErrNotSent until the handshake has completed.
//
// # Virtual Media
//
//	media := kvm.NewMediaDescriptor("/images/install.iso", false)
//	vm, err := kvm.Dial(ctx, addr, kvm.WithRole(kvm.RoleVM), kvm.WithMedia(media), ...)
//	// After EventAfterInitialisation:
//	err = vm.WriteVMLinkRequest()
//
// # Error Handling
//
//	if kvm.IsKVMError(err, kvm.ErrAuthFailed) {
//		log.Printf("Authentication failed: %v", err)
//	}
package kvm
