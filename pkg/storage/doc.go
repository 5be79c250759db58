// Package storage resolves the inputs accepted by Endpoint.Process into
// uploadable bodies.
//
// # Inputs
//
// Params carries exactly one of:
//
//   - Path: a local file; MIME type from the extension, else content sniffing
//   - Reader: any stream; MIME type from Params.Name, else content sniffing
//   - URL: an http(s) asset the service fetches itself
//
// Params.MimeType always wins over detection.
//
// # Resolvers
//
// FileResolver reads from the local filesystem. NoFSResolver is meant for
// sandboxed hosts: it rejects Path inputs with model.ErrUnsupportedOperation
// and otherwise behaves like FileResolver.
//
//	res, err := storage.Default().Resolve(ctx, storage.Params{Path: "cat.jpg"})
//	if err != nil {
//		return err
//	}
//	defer res.Close()
package storage
