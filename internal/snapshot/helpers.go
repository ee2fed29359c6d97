package snapshot

import (
	"bytes"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

func staticCredentials(access, secret string) aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(access, secret, "")
}

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
