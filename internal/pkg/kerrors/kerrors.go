package kerrors

// Коды ошибок ядра Linux
const (
	EPERM        int64 = 1   // Operation not permitted
	ENOENT       int64 = 2   // No such file or directory
	EIO          int64 = 5   // I/O error
	EBADF        int64 = 9   // Bad file descriptor
	EACCES       int64 = 13  // Permission denied
	EBUSY        int64 = 16  // Device or resource busy
	EEXIST       int64 = 17  // File exists
	ENOTDIR      int64 = 20  // Not a directory
	EISDIR       int64 = 21  // Is a directory
	EINVAL       int64 = 22  // Invalid argument
	ENAMETOOLONG int64 = 36  // File name too long
	ENOTEMPTY    int64 = 39  // Directory not empty
	ELOOP        int64 = 40  // Too many levels of symbolic links
	ENOMEDIUM    int64 = 123 // No medium found
	EUCLEAN      int64 = 117 // Structure needs cleaning
)
